package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DriverName is the database/sql driver registered by this package.
const DriverName = "sqlite"

// filePragmas are added to file-backed DSNs unless already present, so
// concurrent writers and expiry batches wait for the lock instead of
// failing with SQLITE_BUSY.
var filePragmas = []struct{ name, param string }{
	{"busy_timeout", "_pragma=busy_timeout(5000)"},
	{"journal_mode", "_pragma=journal_mode(WAL)"},
	{"_txlock", "_txlock=immediate"},
}

// Open opens dsn with driver, applies the schema and returns a Store.
// In-memory SQLite databases are pinned to a single connection, since every
// new connection would otherwise see its own empty database. File-backed
// SQLite databases run in WAL mode with a 5s busy timeout.
func Open(ctx context.Context, driver, dsn string, opt Options) (*Store, error) {
	if driver == "" {
		driver = DriverName
	}
	memory := isMemoryDSN(dsn)
	if driver == DriverName && !memory {
		dsn = withFilePragmas(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: open %s", driver)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, opt)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory returns a migrated Store on a private in-memory SQLite database.
func OpenMemory(ctx context.Context, opt Options) (*Store, error) {
	return Open(ctx, DriverName, ":memory:", opt)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// withFilePragmas appends the file pragmas dsn does not mention yet.
func withFilePragmas(dsn string) string {
	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range filePragmas {
		if strings.Contains(dsn, p.name) {
			continue
		}
		b.WriteString(sep)
		b.WriteString(p.param)
		sep = "&"
	}
	return b.String()
}
