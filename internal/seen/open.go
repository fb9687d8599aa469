package seen

import (
	"context"
	"strings"
)

// OpenBackend picks PostgreSQL for postgres:// DSNs and a SQLite file otherwise.
func OpenBackend(ctx context.Context, location string) (Backend, error) {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return OpenPostgres(ctx, location, "")
	}
	return OpenSQLite(location)
}
