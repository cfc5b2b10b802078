package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore keeps conversation turns in postgres when DATABASE_URL is set and
// in process memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", redactDSN(dsn))
	}
}

// redactDSN drops everything after the scheme so credentials never reach logs.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}
