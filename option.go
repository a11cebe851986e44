// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package relcore

import (
	"database/sql"

	"github.com/canonical/relcore/model"
)

const defaultShaperCacheSize = 256

type options struct {
	logger          Logger
	model           *model.Model
	shaperCacheSize uint32
	savepoints      bool
}

func defaultOptions() options {
	return options{
		logger:          DiscardLogger{},
		shaperCacheSize: defaultShaperCacheSize,
		savepoints:      true,
	}
}

// Option configures a DB.
type Option func(*options)

// WithLogger sets the logger savepoint directives and provider failures are
// reported to.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithModel makes the DB map output types with m instead of a model of its
// own. Entity keys and indexer properties declared on m are then used when
// materialising rows.
func WithModel(m *model.Model) Option {
	return func(o *options) {
		o.model = m
	}
}

// WithShaperCacheSize sets the number of compiled row shapers kept by the
// DB. Sizes below one are ignored.
func WithShaperCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shaperCacheSize = uint32(n)
		}
	}
}

// WithSavepoints declares whether the database supports savepoints. It
// defaults to true. Savepoint operations on transactions of a DB created
// WithSavepoints(false) fail with ErrSavepointsUnsupported.
func WithSavepoints(supported bool) Option {
	return func(o *options) {
		o.savepoints = supported
	}
}

// TXOptions holds the transaction options to be used in [DB.Begin].
type TXOptions struct {
	// Isolation is the transaction isolation level.
	// If zero, the driver or database's default level is used.
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

func (txopts *TXOptions) plainTXOptions() *sql.TxOptions {
	if txopts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: txopts.Isolation, ReadOnly: txopts.ReadOnly}
}
