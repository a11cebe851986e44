// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	. "gopkg.in/check.v1"
)

type SavepointSuite struct {
	sqldb *sql.DB
}

var _ = Suite(&SavepointSuite{})

func (s *SavepointSuite) SetUpTest(c *C) {
	sqldb, err := sql.Open("sqlite3_recorded", "file:"+c.TestName()+"?cache=shared&mode=memory&"+TestNameTag+"="+c.TestName())
	c.Assert(err, IsNil)
	// The transaction under test holds the only connection.
	sqldb.SetMaxOpenConns(1)
	_, err = sqldb.Exec("CREATE TABLE item (id integer, name text)")
	c.Assert(err, IsNil)
	s.sqldb = sqldb
	resetRecorded(c.TestName())
}

func (s *SavepointSuite) TearDownTest(c *C) {
	s.checkDriverStmtsAllClosed(c)
	c.Assert(s.sqldb.Close(), IsNil)
}

func resetRecorded(testName string) {
	executedMutex.Lock()
	delete(executedSQL, testName)
	executedMutex.Unlock()
	stmtRegistryMutex.Lock()
	delete(openedStmts, testName)
	delete(closedStmts, testName)
	stmtRegistryMutex.Unlock()
}

// recordingLogger keeps the messages logged to it.
type recordingLogger struct {
	mu   sync.Mutex
	logs []string
}

func (l *recordingLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := level + ": " + msg
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "query" {
			entry += " [" + args[i+1].(string) + "]"
		}
	}
	l.logs = append(l.logs, entry)
}

func (l *recordingLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args) }

func (s *SavepointSuite) begin(c *C, opts ...Option) *TX {
	tx, err := NewDB(s.sqldb, opts...).Begin(context.Background(), nil)
	c.Assert(err, IsNil)
	return tx
}

func (s *SavepointSuite) TestSavepointDirectives(c *C) {
	logger := &recordingLogger{}
	tx := s.begin(c, WithLogger(logger))
	c.Assert(tx.SupportsSavepoints(), Equals, true)

	c.Assert(tx.Save("a"), IsNil)
	c.Assert(tx.RollbackTo("a"), IsNil)
	c.Assert(tx.Release("a"), IsNil)
	c.Assert(tx.Commit(), IsNil)

	s.checkExecuted(c, "SAVEPOINT a", "ROLLBACK TO a", "RELEASE a")
	s.checkDriverStmtsOpened(c, 3)
	c.Assert(logger.logs, DeepEquals, []string{
		"INFO: savepoint directive [SAVEPOINT a]",
		"INFO: savepoint directive [ROLLBACK TO a]",
		"INFO: savepoint directive [RELEASE a]",
	})
}

func (s *SavepointSuite) TestSavepointContextDirectives(c *C) {
	tx := s.begin(c)
	ctx := context.Background()
	c.Assert(tx.SaveContext(ctx, "outer"), IsNil)
	c.Assert(tx.SaveContext(ctx, "inner"), IsNil)
	c.Assert(tx.ReleaseContext(ctx, "inner"), IsNil)
	c.Assert(tx.RollbackToContext(ctx, "outer"), IsNil)
	c.Assert(tx.Rollback(), IsNil)

	s.checkExecuted(c, "SAVEPOINT outer", "SAVEPOINT inner", "RELEASE inner", "ROLLBACK TO outer")
	s.checkDriverStmtsOpened(c, 4)
}

func (s *SavepointSuite) TestSavepointNilContext(c *C) {
	tx := s.begin(c)
	var ctx context.Context
	c.Assert(tx.SaveContext(ctx, "sp"), IsNil)
	c.Assert(tx.RollbackToContext(ctx, "sp"), IsNil)
	c.Assert(tx.ReleaseContext(ctx, "sp"), IsNil)
	c.Assert(tx.Rollback(), IsNil)

	s.checkExecuted(c, "SAVEPOINT sp", "ROLLBACK TO sp", "RELEASE sp")
}

func (s *SavepointSuite) TestRollbackToUndoesWorkSinceSavepoint(c *C) {
	tx := s.begin(c)
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (1, 'kept')").Run(), IsNil)
	c.Assert(tx.Save("sp"), IsNil)
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (2, 'undone')").Run(), IsNil)
	c.Assert(tx.RollbackTo("sp"), IsNil)

	// The savepoint is still valid after rolling back to it.
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (3, 'redone')").Run(), IsNil)
	c.Assert(tx.RollbackTo("sp"), IsNil)
	c.Assert(tx.Commit(), IsNil)

	var names []string
	rows, err := s.sqldb.Query("SELECT name FROM item ORDER BY id")
	c.Assert(err, IsNil)
	for rows.Next() {
		var name string
		c.Assert(rows.Scan(&name), IsNil)
		names = append(names, name)
	}
	c.Assert(rows.Close(), IsNil)
	c.Assert(names, DeepEquals, []string{"kept"})
}

func (s *SavepointSuite) TestReleaseKeepsWork(c *C) {
	tx := s.begin(c)
	c.Assert(tx.Save("sp"), IsNil)
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (1, 'kept')").Run(), IsNil)
	c.Assert(tx.Release("sp"), IsNil)
	c.Assert(tx.Commit(), IsNil)

	var n int
	c.Assert(s.sqldb.QueryRow("SELECT count(*) FROM item").Scan(&n), IsNil)
	c.Assert(n, Equals, 1)
}

func (s *SavepointSuite) TestRollbackToReleasedSavepoint(c *C) {
	logger := &recordingLogger{}
	tx := s.begin(c, WithLogger(logger))
	c.Assert(tx.Save("sp"), IsNil)
	c.Assert(tx.Release("sp"), IsNil)

	// The database rejects the directive and the error is returned as is.
	err := tx.RollbackTo("sp")
	c.Assert(err, ErrorMatches, "no such savepoint: sp")
	c.Assert(errors.Is(err, ErrTXDone), Equals, false)
	c.Assert(logger.logs[len(logger.logs)-1], Equals, "ERROR: savepoint directive failed [ROLLBACK TO sp]")

	// The transaction stays usable.
	c.Assert(tx.Commit(), IsNil)
}

func (s *SavepointSuite) TestSavepointsAreInvalidatedInOrder(c *C) {
	tx := s.begin(c)
	c.Assert(tx.Save("a"), IsNil)
	c.Assert(tx.Save("b"), IsNil)
	c.Assert(tx.RollbackTo("a"), IsNil)
	c.Assert(tx.Release("b"), ErrorMatches, "no such savepoint: b")
	c.Assert(tx.Release("a"), IsNil)
	c.Assert(tx.Rollback(), IsNil)
}

func (s *SavepointSuite) TestInvalidSavepointName(c *C) {
	tx := s.begin(c)
	defer tx.Close()
	c.Assert(tx.Save("not a name"), ErrorMatches, `.*syntax error`)
	s.checkExecuted(c)
}

func (s *SavepointSuite) TestCancelledContextSendsNoSQL(c *C) {
	tx := s.begin(c)
	defer tx.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Assert(tx.SaveContext(ctx, "sp"), Equals, context.Canceled)
	c.Assert(tx.RollbackToContext(ctx, "sp"), Equals, context.Canceled)
	c.Assert(tx.ReleaseContext(ctx, "sp"), Equals, context.Canceled)

	s.checkExecuted(c)
	s.checkDriverStmtsOpened(c, 0)
}

func (s *SavepointSuite) TestSavepointOnEndedTransaction(c *C) {
	tests := []struct {
		summary string
		end     func(tx *TX) error
	}{{
		summary: "committed",
		end:     (*TX).Commit,
	}, {
		summary: "rolled back",
		end:     (*TX).Rollback,
	}, {
		summary: "closed",
		end:     (*TX).Close,
	}}
	for i, t := range tests {
		comment := Commentf("test %d failed (%s)", i, t.summary)
		tx := s.begin(c)
		c.Assert(t.end(tx), IsNil, comment)

		err := tx.Save("sp")
		c.Check(errors.Is(err, ErrTXDone), Equals, true, comment)
		c.Check(err, ErrorMatches, "cannot run SAVEPOINT sp: sql: transaction has already been committed or rolled back", comment)
		c.Check(errors.Is(tx.RollbackTo("sp"), ErrTXDone), Equals, true, comment)
		c.Check(errors.Is(tx.Release("sp"), ErrTXDone), Equals, true, comment)
		c.Check(errors.Is(tx.ReleaseContext(context.Background(), "sp"), ErrTXDone), Equals, true, comment)
		c.Check(tx.Commit(), Equals, ErrTXDone, comment)
		c.Check(tx.Rollback(), Equals, ErrTXDone, comment)
		c.Check(tx.Close(), IsNil, comment)
		c.Check(tx.Query(context.Background(), "SELECT 1").Run(), Equals, ErrTXDone, comment)
	}
	s.checkExecuted(c)
}

func (s *SavepointSuite) TestSavepointsUnsupported(c *C) {
	tx := s.begin(c, WithSavepoints(false))
	defer tx.Close()
	c.Assert(tx.SupportsSavepoints(), Equals, false)

	err := tx.Save("sp")
	c.Assert(errors.Is(err, ErrSavepointsUnsupported), Equals, true)
	c.Assert(err, ErrorMatches, "cannot run SAVEPOINT sp: savepoints not supported")
	c.Assert(errors.Is(tx.RollbackTo("sp"), ErrSavepointsUnsupported), Equals, true)
	c.Assert(errors.Is(tx.Release("sp"), ErrSavepointsUnsupported), Equals, true)
	s.checkExecuted(c)
}

func (s *SavepointSuite) TestCloseRollsBackOwnedTransaction(c *C) {
	tx := s.begin(c)
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (1, 'gone')").Run(), IsNil)
	c.Assert(tx.Close(), IsNil)
	c.Assert(tx.Close(), IsNil)

	var n int
	c.Assert(s.sqldb.QueryRow("SELECT count(*) FROM item").Scan(&n), IsNil)
	c.Assert(n, Equals, 0)
}

func (s *SavepointSuite) TestCloseLeavesWrappedTransaction(c *C) {
	sqltx, err := s.sqldb.Begin()
	c.Assert(err, IsNil)
	tx := NewDB(s.sqldb).UseTX(sqltx)
	c.Assert(tx.PlainTX(), Equals, sqltx)
	c.Assert(tx.Save("sp"), IsNil)
	c.Assert(tx.Close(), IsNil)

	// The wrapper is disposed of but the transaction is untouched.
	c.Assert(errors.Is(tx.Release("sp"), ErrTXDone), Equals, true)
	_, err = sqltx.Exec("INSERT INTO item VALUES (1, 'kept')")
	c.Assert(err, IsNil)
	_, err = sqltx.Exec("RELEASE sp")
	c.Assert(err, IsNil)
	c.Assert(sqltx.Commit(), IsNil)

	var n int
	c.Assert(s.sqldb.QueryRow("SELECT count(*) FROM item").Scan(&n), IsNil)
	c.Assert(n, Equals, 1)
}

func (s *SavepointSuite) TestWrappedTransactionCommits(c *C) {
	sqltx, err := s.sqldb.Begin()
	c.Assert(err, IsNil)
	tx := NewDB(s.sqldb).UseTX(sqltx)
	c.Assert(tx.Query(context.Background(), "INSERT INTO item VALUES (1, 'kept')").Run(), IsNil)
	c.Assert(tx.Commit(), IsNil)
	c.Assert(sqltx.Rollback(), Equals, sql.ErrTxDone)
}

// checkExecuted checks the savepoint directives run in the test, ignoring
// schema changes and inserts.
func (s *SavepointSuite) checkExecuted(c *C, expected ...string) {
	executedMutex.RLock()
	defer executedMutex.RUnlock()
	directives := []string{}
	for _, q := range executedSQL[c.TestName()] {
		if !strings.HasPrefix(q, "INSERT") && !strings.HasPrefix(q, "CREATE") {
			directives = append(directives, q)
		}
	}
	if expected == nil {
		expected = []string{}
	}
	c.Check(directives, DeepEquals, expected)
}

func (s *SavepointSuite) checkDriverStmtsAllClosed(c *C) {
	stmtRegistryMutex.RLock()
	defer stmtRegistryMutex.RUnlock()
	c.Check(len(openedStmts[c.TestName()]), Equals, len(closedStmts[c.TestName()]))
}

func (s *SavepointSuite) checkDriverStmtsOpened(c *C, n int) {
	stmtRegistryMutex.RLock()
	defer stmtRegistryMutex.RUnlock()
	c.Check(openedStmts[c.TestName()], HasLen, n)
}
