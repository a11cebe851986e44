// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"github.com/canonical/relcore/model"
)

// M is a convenience map type rows can be materialised into. Any named map
// type with string keys can be used in the same way.
//
// Example:
//
//	m := relcore.M{}
//	err := db.Query(ctx, "SELECT name, postcode FROM people WHERE id = ?", 10).Get(m)
//	// m == relcore.M{"name": "Fred", "postcode": int64(10031)}
type M map[string]any

var ErrNoRows = sql.ErrNoRows
var ErrTXDone = sql.ErrTxDone

// ErrSavepointsUnsupported is returned by savepoint operations of
// transactions on a DB created WithSavepoints(false).
var ErrSavepointsUnsupported = errors.New("savepoints not supported")

// DB wraps a database/sql DB and materialises query results into Go values.
type DB struct {
	// sqldb is the underlying database/sql DB object.
	sqldb   *sql.DB
	opts    options
	model   *model.Model
	shapers *shaperCache
}

// NewDB creates a new [relcore.DB] from a [sql.DB].
func NewDB(sqldb *sql.DB, opts ...Option) *DB {
	if sqldb == nil {
		return nil
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	m := o.model
	if m == nil {
		m = model.New()
	}
	return &DB{
		sqldb:   sqldb,
		opts:    o,
		model:   m,
		shapers: newShaperCache(o.shaperCacheSize),
	}
}

// PlainDB returns the underlying database object.
func (db *DB) PlainDB() *sql.DB {
	return db.sqldb
}

// Model returns the entity model output types are mapped with.
func (db *DB) Model() *model.Model {
	return db.model
}

// Query builds a new query from a context, an SQL string and its arguments.
// The query is run on the database when one of [Query.Iter], [Query.Run],
// [Query.Get] or [Query.GetAll] is executed.
func (db *DB) Query(ctx context.Context, query string, args ...any) *Query {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Query{db: db, ctx: ctx, querier: db.sqldb, query: query, args: args}
}

// txState is the lifecycle state of a TX.
type txState = int32

const (
	txActive txState = iota
	txCommitted
	txRolledBack
	txDisposed
)

// TX represents a transaction on the database. Savepoints divide it into
// nested units of work that can be rolled back independently.
//
// A TX is not safe for concurrent use.
type TX struct {
	sqltx *sql.Tx
	db    *DB
	state int32

	// owned is false for transactions begun outside of relcore and wrapped
	// with [DB.UseTX]. Close never touches them.
	owned bool
}

func (tx *TX) isDone() bool {
	return atomic.LoadInt32(&tx.state) != txActive
}

// setDone moves an active transaction to state. It returns ErrTXDone if the
// transaction is no longer active.
func (tx *TX) setDone(state txState) error {
	if !atomic.CompareAndSwapInt32(&tx.state, txActive, state) {
		return ErrTXDone
	}
	return nil
}

// Begin starts a transaction. A transaction must be ended with a
// [TX.Commit], a [TX.Rollback] or a [TX.Close].
func (db *DB) Begin(ctx context.Context, opts *TXOptions) (*TX, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqltx, err := db.sqldb.BeginTx(ctx, opts.plainTXOptions())
	if err != nil {
		db.opts.logger.Error("cannot begin transaction", "error", err)
		return nil, err
	}
	return &TX{sqltx: sqltx, db: db, owned: true}, nil
}

// UseTX wraps a transaction begun on the underlying database object. The
// caller keeps ownership: [TX.Close] leaves it untouched, while
// [TX.Commit] and [TX.Rollback] still end it.
func (db *DB) UseTX(sqltx *sql.Tx) *TX {
	if sqltx == nil {
		return nil
	}
	return &TX{sqltx: sqltx, db: db}
}

// PlainTX returns the underlying transaction object.
func (tx *TX) PlainTX() *sql.Tx {
	return tx.sqltx
}

// Commit commits the transaction.
func (tx *TX) Commit() error {
	err := tx.setDone(txCommitted)
	if err == nil {
		err = tx.sqltx.Commit()
	}
	return err
}

// Rollback aborts the transaction.
func (tx *TX) Rollback() error {
	err := tx.setDone(txRolledBack)
	if err == nil {
		err = tx.sqltx.Rollback()
	}
	return err
}

// Close disposes of the transaction. An owned transaction that is still
// active is rolled back. Close is a no-op on a transaction that has already
// ended, and can be deferred straight after [DB.Begin].
func (tx *TX) Close() error {
	if err := tx.setDone(txDisposed); err != nil {
		return nil
	}
	if !tx.owned {
		return nil
	}
	return tx.sqltx.Rollback()
}

// Query builds a new query from a context, an SQL string and its arguments.
// The query is run on the transaction when one of [Query.Iter], [Query.Run],
// [Query.Get] or [Query.GetAll] is executed.
func (tx *TX) Query(ctx context.Context, query string, args ...any) *Query {
	if ctx == nil {
		ctx = context.Background()
	}
	if tx.isDone() {
		return &Query{ctx: ctx, err: ErrTXDone}
	}
	return &Query{db: tx.db, ctx: ctx, querier: tx.sqltx, query: query, args: args}
}
