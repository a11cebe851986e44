// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package logger provides adapters for popular logger libraries to work with
// relcore's Logger interface.
//
// The standard library's slog.Logger already implements relcore.Logger
// directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	db := relcore.NewDB(sqldb, relcore.WithLogger(logger.NewZap(zapLogger)))
package logger
