// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package dbutil contains helpers for working with the supported database
// implementations.
package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default dbutil error class.
var Error = errs.Class("dbutil")

// Implementation type of valid databases.
type Implementation int

const (
	// Unknown is an unknown database implementation.
	Unknown Implementation = iota
	// Postgres is the row-store-with-JSON dialect family.
	Postgres
	// Sqlite is the embedded dialect family.
	Sqlite
)

// String returns the name of the implementation.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case Sqlite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// ImplementationForScheme returns the Implementation that is used by the
// url with the provided scheme.
func ImplementationForScheme(scheme string) Implementation {
	switch scheme {
	case "postgres", "postgresql", "pgx":
		return Postgres
	case "sqlite", "sqlite3", "file":
		return Sqlite
	default:
		return Unknown
	}
}

// SplitConnStr returns the driver name, the source and the implementation
// for the given connection string.
func SplitConnStr(s string) (driver string, source string, impl Implementation, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", Unknown, Error.New("could not parse DB URL %q", s)
	}

	switch impl = ImplementationForScheme(parts[0]); impl {
	case Postgres:
		// the pgx stdlib driver takes the full URL.
		return "pgx", s, Postgres, nil
	case Sqlite:
		return "sqlite3", parts[1], Sqlite, nil
	default:
		return "", "", Unknown, Error.New("unsupported database scheme %q in %q", parts[0], s)
	}
}
