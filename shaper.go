// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"fmt"
	"reflect"

	"github.com/canonical/relcore/expr"
	"github.com/canonical/relcore/internal/typeinfo"
	"github.com/canonical/relcore/model"
)

// shaper materialises value buffers holding one set of columns into values
// of one entity type.
type shaper struct {
	entity  *model.EntityType
	columns []string

	// slots holds the type each column is scanned as. A nil slot type
	// scans the raw driver value.
	slots []reflect.Type

	lambda *expr.Lambda
	fn     expr.Func
}

// newShaper builds and compiles the lambda
//
//	buffer => {v = new(T); v.F_0 = buffer[0].(T_0); ...; v}
//
// for struct entities, or the equivalent sequence of indexer stores for
// property bags.
func newShaper(e *model.EntityType, columns []string) (*shaper, error) {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col] {
			return nil, fmt.Errorf("column %q appears more than once in results for %s", col, e.Name())
		}
		seen[col] = true
	}

	s := &shaper{
		entity:  e,
		columns: append([]string{}, columns...),
		slots:   make([]reflect.Type, len(columns)),
	}
	buffer := expr.NewParameter("buffer", expr.ValueBufferType)
	var (
		v     *expr.Parameter
		exprs []expr.Node
		err   error
	)
	if e.IsPropertyBag() {
		v, exprs, err = s.bagStores(buffer)
	} else {
		v, exprs, err = s.memberAssigns(buffer)
	}
	if err != nil {
		return nil, err
	}
	block, err := expr.NewBlock([]*expr.Parameter{v}, append(exprs, v)...)
	if err != nil {
		return nil, err
	}
	s.lambda = expr.NewLambda(block, buffer)
	if s.fn, err = expr.Compile(s.lambda); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *shaper) memberAssigns(buffer *expr.Parameter) (*expr.Parameter, []expr.Node, error) {
	ptrType := reflect.PointerTo(s.entity.Type())
	v := expr.NewParameter("v", ptrType)
	construct, err := expr.NewConstruct(ptrType, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	create, err := expr.NewAssign(v, construct)
	if err != nil {
		return nil, nil, err
	}
	exprs := []expr.Node{create}
	for ordinal, col := range s.columns {
		p, ok := s.entity.Property(col)
		if !ok {
			return nil, nil, fmt.Errorf("column %q not found in %s", col, s.entity.Name())
		}
		access, err := expr.MakeMemberAccess(v, p.Member)
		if err != nil {
			return nil, nil, err
		}
		assign, err := expr.MakeMemberAssign(access, expr.MakeValueBufferRead(buffer, p.Type, ordinal, p))
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, assign)
		s.slots[ordinal] = p.Type
	}
	return v, exprs, nil
}

func (s *shaper) bagStores(buffer *expr.Parameter) (*expr.Parameter, []expr.Node, error) {
	mapType := s.entity.Type()
	m := expr.NewParameter("m", mapType)
	construct, err := expr.NewConstruct(mapType, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	create, err := expr.NewAssign(m, construct)
	if err != nil {
		return nil, nil, err
	}
	store, err := expr.IndexerSetMethod(mapType)
	if err != nil {
		return nil, nil, err
	}
	exprs := []expr.Node{create}
	for ordinal, col := range s.columns {
		// Declared properties are scanned as their type, anything else as
		// the raw driver value.
		slotType := mapType.Elem()
		p, ok := s.entity.Property(col)
		if ok {
			slotType = p.Type
		}
		key := expr.NewConstant(reflect.ValueOf(col).Convert(mapType.Key()).Interface())
		call, err := expr.NewCall(m, store, key, expr.MakeValueBufferRead(buffer, slotType, ordinal, p))
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, call)
		s.slots[ordinal] = slotType
	}
	return m, exprs, nil
}

// scanners returns fresh scanners for the slots of s.
func (s *shaper) scanners() []*typeinfo.SlotScanner {
	scanners := make([]*typeinfo.SlotScanner, len(s.slots))
	for i, t := range s.slots {
		scanners[i] = typeinfo.NewSlotScanner(t)
	}
	return scanners
}

// shape materialises a value buffer. Struct entities yield a pointer to a
// new struct, property bags a new map.
func (s *shaper) shape(buffer expr.ValueBuffer) (reflect.Value, error) {
	if len(buffer) != len(s.columns) {
		return reflect.Value{}, fmt.Errorf("internal error: value buffer of length %d for %d columns", len(buffer), len(s.columns))
	}
	v, err := s.fn(buffer)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot materialise %s: %w", s.entity.Name(), err)
	}
	return reflect.ValueOf(v), nil
}
