// Package catalog lists the databases known to a PostgreSQL server.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// CatalogDatabase is the administrative database the listing connects to.
const CatalogDatabase = "postgres"

// ListDatabasesQuery selects every database that is not a template.
const ListDatabasesQuery = "SELECT datname FROM pg_database WHERE datistemplate = false;"

// Service defines the interface for catalog operations.
type Service interface {
	ListDatabases(ctx context.Context, conn models.ConnectionConfig) ([]string, error)
}

// Opener opens a database handle, allowing the driver to be mocked in tests.
type Opener interface {
	Open(dsn string) (*sql.DB, error)
}

// DefaultOpener opens connections through the pgx driver.
type DefaultOpener struct{}

// Open parses the DSN with pgx and wraps it in a database/sql handle.
func (o *DefaultOpener) Open(dsn string) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return stdlib.OpenDB(*connConfig), nil
}

// Impl implements the catalog Service interface.
type Impl struct {
	opener Opener
	logger zerolog.Logger
}

// New creates a new catalog service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		opener: &DefaultOpener{},
		logger: logger,
	}
}

// NewWithOpener creates a new catalog service with a custom opener (for testing).
func NewWithOpener(logger zerolog.Logger, opener Opener) *Impl {
	return &Impl{
		opener: opener,
		logger: logger,
	}
}

// ListDatabases returns the names of all non-template databases, in server order.
// A connection or query failure is returned as an error, never as an empty list.
func (s *Impl) ListDatabases(ctx context.Context, conn models.ConnectionConfig) ([]string, error) {
	s.logger.Debug().
		Str("host", conn.Host).
		Int("port", conn.Port).
		Str("database", CatalogDatabase).
		Msg("listing databases")

	db, err := s.opener.Open(DSN(conn, CatalogDatabase))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close catalog connection")
		}
	}()

	rows, err := db.QueryContext(ctx, ListDatabasesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query pg_database: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pg_database rows: %w", err)
	}

	s.logger.Debug().Int("count", len(names)).Msg("databases listed")

	return names, nil
}

// DSN builds a postgres:// connection URL with escaped credentials.
// A host starting with "/" is a Unix-socket directory and goes into the query.
func DSN(conn models.ConnectionConfig, database string) string {
	u := url.URL{
		Scheme: "postgres",
		Path:   "/" + database,
	}
	if strings.HasPrefix(conn.Host, "/") {
		u.RawQuery = url.Values{
			"host": {conn.Host},
			"port": {strconv.Itoa(conn.Port)},
		}.Encode()
	} else {
		u.Host = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	}
	if conn.Password != "" {
		u.User = url.UserPassword(conn.Username, conn.Password)
	} else {
		u.User = url.User(conn.Username)
	}
	return u.String()
}
