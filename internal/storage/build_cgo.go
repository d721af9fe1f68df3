//go:build sqlite_vec && !purego

package storage

// CGO build with the sqlite-vec extension loaded into every connection.
// Similarity queries are ordered in SQL with vec_distance_l2.
//
//   CGO_ENABLED=1 go build -tags "sqlite_vec" ./...
//
// The extension library is resolved from BOOKFINDER_SQLITE_VEC_PATH,
// falling back to "vec0" on the loader path.

import (
	"database/sql"
	"os"

	"github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3_vec"

	// VectorExtensionAvailable indicates if vec_distance_l2 can be used in SQL
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

// EnvSQLiteVecPath overrides the sqlite-vec shared library location
const EnvSQLiteVecPath = "BOOKFINDER_SQLITE_VEC_PATH"

func init() {
	extension := os.Getenv(EnvSQLiteVecPath)
	if extension == "" {
		extension = "vec0"
	}
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		Extensions: []string{extension},
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc(foldFunc, func(v interface{}) interface{} {
				return foldValue(v)
			}, true)
		},
	})
}
