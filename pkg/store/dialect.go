package store

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL placeholder style.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx", "pq":
		return DialectPostgres, nil
	}
	return DialectSQLite, fmt.Errorf("unsupported sql driver: %s", driver)
}

// Rebind rewrites '?' placeholders into the dialect's style.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
