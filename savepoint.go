// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"context"
	"fmt"
)

// SupportsSavepoints reports whether savepoints can be used on the
// transaction.
func (tx *TX) SupportsSavepoints() bool {
	return tx.db.opts.savepoints
}

// Save creates a savepoint called name in the transaction.
func (tx *TX) Save(name string) error {
	return tx.savepoint(context.Background(), "SAVEPOINT", name)
}

// SaveContext is the same as [TX.Save] except that no statement is sent if
// ctx is already done.
func (tx *TX) SaveContext(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "SAVEPOINT", name)
}

// RollbackTo reverts the transaction to the savepoint called name. The
// savepoint stays valid, savepoints created after it do not.
func (tx *TX) RollbackTo(name string) error {
	return tx.savepoint(context.Background(), "ROLLBACK TO", name)
}

// RollbackToContext is the same as [TX.RollbackTo] except that no statement
// is sent if ctx is already done.
func (tx *TX) RollbackToContext(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "ROLLBACK TO", name)
}

// Release drops the savepoint called name, keeping the work done since it
// was created.
func (tx *TX) Release(name string) error {
	return tx.savepoint(context.Background(), "RELEASE", name)
}

// ReleaseContext is the same as [TX.Release] except that no statement is
// sent if ctx is already done.
func (tx *TX) ReleaseContext(ctx context.Context, name string) error {
	return tx.savepoint(ctx, "RELEASE", name)
}

// savepoint prepares the directive on the transaction, runs it and closes
// the statement. Nothing is sent if ctx is already done. The name is passed to the database verbatim, which checks
// it and the order savepoints are used in.
func (tx *TX) savepoint(ctx context.Context, directive, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.isDone() {
		return fmt.Errorf("cannot run %s %s: %w", directive, name, ErrTXDone)
	}
	if !tx.SupportsSavepoints() {
		return fmt.Errorf("cannot run %s %s: %w", directive, name, ErrSavepointsUnsupported)
	}
	log := tx.db.opts.logger
	query := directive + " " + name

	stmt, err := tx.sqltx.PrepareContext(ctx, query)
	if err != nil {
		log.Error("cannot prepare savepoint directive", "query", query, "error", err)
		return err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx); err != nil {
		log.Error("savepoint directive failed", "query", query, "error", err)
		return err
	}
	log.Info("savepoint directive", "query", query)
	return nil
}
