// Package storage keeps training samples in a sql database, sqlite or postgres.
// Each table is represented by a struct with methods implementing business logic for this data type.
// All records are scoped by the group id of the engine, so a few independent sample sets can live in
// the same database.
package storage

import "errors"

// ErrNotFound is returned when a record to delete doesn't exist
var ErrNotFound = errors.New("not found")
