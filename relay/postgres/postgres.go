package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub for the relay's postgres pools. Writes go to the
// primary, reads are load-balanced across primary and replica. The zero
// value plus connection strings is usable; Connect fills in defaults.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DatabaseName            string
	SkipMigrations          bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

// NewWithResolver wraps an already-built resolver. Connect and migrations
// are skipped; the caller owns the lifecycle of the underlying pools.
func NewWithResolver(db dbresolver.DB) *Connection {
	return &Connection{
		connectionDB: db,
		connected:    db != nil,
	}
}

func (connection *Connection) initDefaults() {
	if connection.Logger == nil {
		connection.Logger = log.NewNop()
	}

	if connection.MaxOpenConnections <= 0 {
		connection.MaxOpenConnections = defaultMaxOpenConns
	}

	if connection.MaxIdleConnections <= 0 {
		connection.MaxIdleConnections = defaultMaxIdleConns
	}

	if connection.ConnectionStringReplica == "" {
		connection.ConnectionStringReplica = connection.ConnectionStringPrimary
	}
}

// Connect opens the pools, runs migrations on the primary, and pings the
// resolver. Safe to call again to reconnect.
func (connection *Connection) Connect(ctx context.Context) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.connectLocked(ctx)
}

func (connection *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	connection.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if connection.connectionDB != nil {
		if err := connection.closeLocked(); err != nil {
			connection.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	connection.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := dbOpenFn("pgx", connection.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	// Close the primary if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	connection.applyPoolLimits(dbPrimary)

	dbReplica, err := dbOpenFn("pgx", connection.ConnectionStringReplica)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	connection.applyPoolLimits(dbReplica)

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		connection.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if !connection.SkipMigrations {
		if err := runMigrationsFn(dbPrimary, connection.DatabaseName, connection.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		connection.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	connection.connected = true
	connection.connectionDB = connectionDB

	connection.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

func (connection *Connection) applyPoolLimits(db *sql.DB) {
	db.SetMaxOpenConns(connection.MaxOpenConnections)
	db.SetMaxIdleConns(connection.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// GetDB returns the resolver, connecting first if necessary.
func (connection *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	connection.mu.RLock()

	if connection.connectionDB != nil {
		db := connection.connectionDB
		connection.mu.RUnlock()

		return db, nil
	}

	connection.mu.RUnlock()

	connection.mu.Lock()
	defer connection.mu.Unlock()

	// Double-check after acquiring the write lock.
	if connection.connectionDB != nil {
		return connection.connectionDB, nil
	}

	if err := connection.connectLocked(ctx); err != nil {
		return nil, err
	}

	return connection.connectionDB, nil
}

// Close releases both pools.
func (connection *Connection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.closeLocked()
}

func (connection *Connection) closeLocked() error {
	if connection.connectionDB == nil {
		return nil
	}

	err := connection.connectionDB.Close()
	connection.connectionDB = nil
	connection.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (connection *Connection) IsConnected() bool {
	connection.mu.RLock()
	defer connection.mu.RUnlock()

	return connection.connected
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(dbPrimary *sql.DB, databaseName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(databaseName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open embedded migrations", log.Err(err))

		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(dbPrimary, &migratepostgres.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version",
				log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
