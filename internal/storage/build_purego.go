//go:build purego || !sqlite_vec

package storage

// Default build: pure Go SQLite without the sqlite-vec extension.
// Similarity queries compute L2 distances in Go.
//
//   CGO_ENABLED=0 go build ./...

import (
	"database/sql/driver"

	"modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates if vec_distance_l2 can be used in SQL
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(foldFunc, 1,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return foldValue(args[0]), nil
		})
}
