package storage

import (
	"database/sql/driver"

	"golang.org/x/text/cases"
)

// foldFunc is the SQL scalar both SQLite builds register; it applies Unicode
// case folding so attribute LIKE matches behave like PostgreSQL ILIKE.
const foldFunc = "bf_fold"

// FoldCase returns the Unicode case fold of s. A Caser keeps state, so each
// call builds its own.
func FoldCase(s string) string {
	return cases.Fold().String(s)
}

// foldValue adapts FoldCase to the driver.Value arguments SQLite hands a scalar
func foldValue(v driver.Value) driver.Value {
	switch s := v.(type) {
	case string:
		return FoldCase(s)
	case []byte:
		return FoldCase(string(s))
	default:
		return v
	}
}
