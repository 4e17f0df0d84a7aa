package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/migrations"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-deploysync"
}

// Client owns the ledger database for the life of the process.
type Client struct {
	*RepositoryFactory

	persistence *persistence.Client
	dialect     string
}

// Open connects to the ledger, applies the embedded migrations and builds the
// stores. A path starting with postgres:// selects postgres; anything else is
// a sqlite file.
func Open(ctx context.Context, cfg core.StoreConfig) (*Client, error) {
	target := strings.TrimSpace(cfg.Path)
	if target == "" {
		return nil, fmt.Errorf("sqlstore: store path is required")
	}

	driver, dialectName, dsn := resolveTarget(target)
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	if driver == driverSQLite {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := newPersistenceClient(persistenceConfig{driver: driver, server: dsn, debug: cfg.Debug}, sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	_, err = migrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(dialectName))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	factory, err := NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Client{RepositoryFactory: factory, persistence: client, dialect: dialectName}, nil
}

func (c *Client) Dialect() string {
	if c == nil {
		return ""
	}
	return c.dialect
}

func (c *Client) Close() error {
	if c == nil || c.persistence == nil {
		return nil
	}
	return c.persistence.Close()
}

func newPersistenceClient(cfg persistenceConfig, sqlDB *sql.DB) (*persistence.Client, error) {
	if cfg.driver == driverPostgres {
		return persistence.New(cfg, sqlDB, pgdialect.New())
	}
	return persistence.New(cfg, sqlDB, sqlitedialect.New())
}

func resolveTarget(target string) (driver string, dialect string, dsn string) {
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return driverPostgres, migrations.DialectPostgres, target
	}
	if strings.HasPrefix(lower, "file:") {
		return driverSQLite, migrations.DialectSQLite, target
	}
	return driverSQLite, migrations.DialectSQLite, "file:" + target + "?_foreign_keys=on&_busy_timeout=5000"
}
