// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/canonical/relcore/expr"
	"github.com/canonical/relcore/internal/typeinfo"
	"github.com/canonical/relcore/model"
)

// querier is implemented by sql.DB and sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Query represents a query on a database. It is designed to be run once.
type Query struct {
	db       *DB
	ctx      context.Context
	err      error
	querier  querier
	query    string
	args     []any
	distinct bool
}

// Distinct returns a copy of the query whose [Query.GetAll] drops rows
// whose entity key, read from the first output type, was already seen.
func (q *Query) Distinct() *Query {
	d := *q
	d.distinct = true
	return &d
}

// Run is used to run a query on a database and disregard any results.
// Run is an alias for [Query.Get] that takes no arguments.
func (q *Query) Run() error {
	return q.Get()
}

// Get runs the query and materialises the first row returned into the
// provided output arguments, each a pointer to a struct or a map with
// string keys. It returns [ErrNoRows] if output arguments were provided but
// no results were found. Without output arguments the query is executed
// and its results discarded.
//
// A pointer to an empty [Outcome] struct may be provided as the first output
// variable to fill it with information about query execution.
func (q *Query) Get(outputArgs ...any) error {
	if q.err != nil {
		return q.err
	}
	var outcome *Outcome
	if len(outputArgs) > 0 {
		if oc, ok := outputArgs[0].(*Outcome); ok {
			outcome = oc
			outputArgs = outputArgs[1:]
		}
	}

	if len(outputArgs) == 0 {
		result, err := q.querier.ExecContext(q.ctx, q.query, q.args...)
		if err != nil {
			return err
		}
		if outcome != nil {
			outcome.result = result
		}
		return nil
	}
	if outcome != nil {
		outcome.result = nil
	}

	iter := q.Iter()
	if !iter.Next() {
		err := iter.Close()
		if err == nil {
			err = ErrNoRows
		}
		return err
	}
	err := iter.Get(outputArgs...)
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	return err
}

// Iter returns an [Iterator] to iterate through the results row by row.
// [Iterator.Close] must be run once iteration is finished.
func (q *Query) Iter() *Iterator {
	if q.err != nil {
		return &Iterator{err: q.err}
	}
	rows, err := q.querier.QueryContext(q.ctx, q.query, q.args...)
	if err != nil {
		return &Iterator{err: err}
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return &Iterator{err: err}
	}
	return &Iterator{db: q.db, rows: rows, cols: cols}
}

// Iterator is used to iterate over the results of the query.
type Iterator struct {
	db      *DB
	rows    *sql.Rows
	cols    []string
	err     error
	started bool

	// binding is reused while Get is called with the same output types.
	binding *binding
}

// Next prepares the next row for [Iterator.Get]. If an error occurs during
// iteration it will be returned with [Iterator.Close].
func (iter *Iterator) Next() bool {
	iter.started = true
	if iter.err != nil || iter.rows == nil {
		return false
	}
	return iter.rows.Next()
}

// Get materialises the row from the previous [Iterator.Next] call into the
// provided output arguments. Each column goes to the first struct output
// with a property of that name. Columns no struct output maps go to the
// first map output; it is an error if there is none.
func (iter *Iterator) Get(outputArgs ...any) (err error) {
	if iter.err != nil {
		return iter.err
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("cannot get result: %w", err)
		}
	}()

	if !iter.started {
		return fmt.Errorf("cannot call Get before Next")
	}
	if iter.rows == nil {
		return fmt.Errorf("iteration ended")
	}
	if len(outputArgs) == 0 {
		return fmt.Errorf("no output arguments provided")
	}

	outs := make([]reflect.Value, len(outputArgs))
	types := make([]reflect.Type, len(outputArgs))
	seen := make(map[reflect.Type]bool, len(outputArgs))
	for i, arg := range outputArgs {
		if outs[i], types[i], err = typeinfo.ValidateOutput(arg); err != nil {
			return err
		}
		if seen[types[i]] {
			return fmt.Errorf("type %q provided more than once", types[i].Name())
		}
		seen[types[i]] = true
	}
	if iter.binding == nil || !iter.binding.matches(types) {
		if iter.binding, err = iter.db.bind(types, iter.cols); err != nil {
			return err
		}
	}

	values, err := iter.binding.scan(iter.rows)
	if err != nil {
		return err
	}
	for i, v := range values {
		if err := setOutput(outs[i], v); err != nil {
			return err
		}
	}
	return nil
}

// Close finishes the iteration and returns any errors encountered. Close can
// be called multiple times on the [Iterator] and the same error will be
// returned.
func (iter *Iterator) Close() error {
	iter.started = true
	if iter.rows == nil {
		return iter.err
	}
	err := iter.rows.Err()
	if cerr := iter.rows.Close(); err == nil {
		err = cerr
	}
	iter.rows = nil
	if iter.err != nil {
		return iter.err
	}
	iter.err = err
	return err
}

// Outcome holds metadata about executed queries, and can be provided as the
// first output argument to [Query.Get] to populate it with information
// about the query execution.
type Outcome struct {
	result sql.Result
}

// Result returns a [sql.Result] containing information about the query
// execution. If no result is set then Result returns nil.
func (o *Outcome) Result() sql.Result {
	return o.result
}

// GetAll iterates over the query and materialises all rows into the
// provided slices. sliceArgs must contain pointers to slices of each of the
// output types: structs, pointers to structs or maps with string keys.
//
// [ErrNoRows] will be returned if no rows are found.
func (q *Query) GetAll(sliceArgs ...any) (err error) {
	if q.err != nil {
		return q.err
	}
	if len(sliceArgs) == 0 {
		return fmt.Errorf("need at least one pointer to slice")
	}

	// Check slice inputs are valid using reflection.
	var slicePtrVals = []reflect.Value{}
	var sliceVals = []reflect.Value{}
	for _, ptr := range sliceArgs {
		ptrVal := reflect.ValueOf(ptr)
		if ptrVal.Kind() != reflect.Pointer {
			return fmt.Errorf("need pointer to slice, got %s", ptrVal.Kind())
		}
		if ptrVal.IsNil() {
			return fmt.Errorf("need pointer to slice, got nil")
		}
		slicePtrVals = append(slicePtrVals, ptrVal)
		sliceVal := ptrVal.Elem()
		if sliceVal.Kind() != reflect.Slice {
			return fmt.Errorf("need pointer to slice, got pointer to %s", sliceVal.Kind())
		}
		switch elemType := sliceVal.Type().Elem(); elemType.Kind() {
		case reflect.Pointer:
			if elemType.Elem().Kind() != reflect.Struct {
				return fmt.Errorf("need slice of structs/maps, got slice of pointer to %s", elemType.Elem().Kind())
			}
		case reflect.Struct, reflect.Map:
		default:
			return fmt.Errorf("need slice of structs/maps, got slice of %s", elemType.Kind())
		}
		sliceVals = append(sliceVals, sliceVal)
	}

	var seen *keySet
	if q.distinct {
		if seen, err = q.db.newKeySet(sliceVals[0].Type().Elem()); err != nil {
			return err
		}
	}

	// Iterate over the query results.
	rowsReturned := false
	iter := q.Iter()
	for iter.Next() {
		rowsReturned = true
		var outputArgs = []any{}
		for _, sliceVal := range sliceVals {
			elemType := sliceVal.Type().Elem()
			var outputArg reflect.Value
			switch elemType.Kind() {
			case reflect.Pointer:
				outputArg = reflect.New(elemType.Elem())
			case reflect.Struct:
				outputArg = reflect.New(elemType)
			case reflect.Map:
				outputArg = reflect.MakeMap(elemType)
			}
			outputArgs = append(outputArgs, outputArg.Interface())
		}
		if err := iter.Get(outputArgs...); err != nil {
			iter.Close()
			return err
		}
		if seen != nil {
			dup, err := seen.add(outputArgs[0])
			if err != nil {
				iter.Close()
				return err
			}
			if dup {
				continue
			}
		}
		for i, outputArg := range outputArgs {
			switch k := sliceVals[i].Type().Elem().Kind(); k {
			case reflect.Pointer, reflect.Map:
				sliceVals[i] = reflect.Append(sliceVals[i], reflect.ValueOf(outputArg))
			case reflect.Struct:
				sliceVals[i] = reflect.Append(sliceVals[i], reflect.ValueOf(outputArg).Elem())
			default:
				iter.Close()
				return fmt.Errorf("internal error: output arg has unexpected kind %s", k)
			}
		}
	}
	err = iter.Close()
	if err != nil {
		return err
	} else if !rowsReturned {
		return ErrNoRows
	}

	for i, ptrVal := range slicePtrVals {
		ptrVal.Elem().Set(sliceVals[i])
	}
	return nil
}

// binding routes the columns of a result set to the shapers of a list of
// output types.
type binding struct {
	types   []reflect.Type
	shapers []*shaper

	// columns holds, for each output, the positions of its columns in the
	// result set.
	columns [][]int
}

// bind assigns each column to an output type and looks up the shaper of
// each output for its columns.
func (db *DB) bind(types []reflect.Type, cols []string) (*binding, error) {
	entities := make([]*model.EntityType, len(types))
	for i, t := range types {
		e, err := db.model.EntityFor(t)
		if err != nil {
			return nil, err
		}
		entities[i] = e
	}

	b := &binding{types: types, columns: make([][]int, len(types))}
	names := make([][]string, len(types))
colLoop:
	for pos, col := range cols {
		for i, e := range entities {
			if _, ok := e.Property(col); ok && !e.IsPropertyBag() {
				b.columns[i] = append(b.columns[i], pos)
				names[i] = append(names[i], col)
				continue colLoop
			}
		}
		for i, e := range entities {
			if e.IsPropertyBag() {
				b.columns[i] = append(b.columns[i], pos)
				names[i] = append(names[i], col)
				continue colLoop
			}
		}
		return nil, fmt.Errorf("column %q not found in any output type", col)
	}

	for i, e := range entities {
		s, err := db.shapers.shaper(e, names[i])
		if err != nil {
			return nil, err
		}
		b.shapers = append(b.shapers, s)
	}
	return b, nil
}

func (b *binding) matches(types []reflect.Type) bool {
	if len(types) != len(b.types) {
		return false
	}
	for i := range types {
		if types[i] != b.types[i] {
			return false
		}
	}
	return true
}

// scan reads the current row and materialises one value per output.
func (b *binding) scan(rows *sql.Rows) ([]reflect.Value, error) {
	var total int
	for _, cols := range b.columns {
		total += len(cols)
	}
	dests := make([]any, total)
	scanners := make([][]*typeinfo.SlotScanner, len(b.shapers))
	for i, s := range b.shapers {
		scanners[i] = s.scanners()
		for k, pos := range b.columns[i] {
			dests[pos] = scanners[i][k].Dest()
		}
	}
	if err := rows.Scan(dests...); err != nil {
		return nil, err
	}

	values := make([]reflect.Value, len(b.shapers))
	for i, s := range b.shapers {
		buffer := make(expr.ValueBuffer, len(scanners[i]))
		for k, sc := range scanners[i] {
			buffer[k] = sc.Value()
		}
		v, err := s.shape(buffer)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// setOutput copies a materialised value into an output argument.
func setOutput(out, v reflect.Value) error {
	switch out.Kind() {
	case reflect.Pointer:
		out.Elem().Set(v.Elem())
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
	default:
		return fmt.Errorf("internal error: output has unexpected kind %s", out.Kind())
	}
	return nil
}

// keySet records the entity keys seen by a distinct query.
type keySet struct {
	read func(any) (any, error)
	keys map[uint64][]expr.CompositeKey
}

func (db *DB) newKeySet(t reflect.Type) (*keySet, error) {
	e, err := db.model.EntityFor(t)
	if err != nil {
		return nil, err
	}
	read, err := e.KeyReader(false)
	if err != nil {
		return nil, fmt.Errorf("cannot get distinct results: %w", err)
	}
	return &keySet{read: read, keys: map[uint64][]expr.CompositeKey{}}, nil
}

// add records the key of v and reports whether it was already present.
func (ks *keySet) add(v any) (bool, error) {
	k, err := ks.read(v)
	if err != nil {
		return false, err
	}
	key, ok := k.(expr.CompositeKey)
	if !ok {
		key = expr.NewCompositeKey(k)
	}
	h := key.Hash()
	for _, other := range ks.keys[h] {
		if other.Equal(key) {
			return true, nil
		}
	}
	ks.keys[h] = append(ks.keys[h], key)
	return false, nil
}
