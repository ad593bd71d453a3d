package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MeridioStudio/lib-relay/relay"
	"github.com/MeridioStudio/lib-relay/relay/log"
	relaypostgres "github.com/MeridioStudio/lib-relay/relay/postgres"
	"github.com/MeridioStudio/lib-relay/relay/saga"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

const maxSQLIdentifierLength = 63

// pgUniqueViolation is the PostgreSQL error code for duplicate keys.
const pgUniqueViolation = "23505"

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const sagaColumns = "saga_id, saga_type, data, current_state, version, " +
	"completed, faulted, fault_reason, metadata, created_at, last_updated_at"

// Option configures the store.
type Option[TData any] func(*Store[TData])

// WithLogger sets the store's logger.
func WithLogger[TData any](logger log.Logger) Option[TData] {
	return func(store *Store[TData]) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTableName overrides the default saga_instances table name. A
// schema-qualified name like "relay.saga_instances" is accepted.
func WithTableName[TData any](tableName string) Option[TData] {
	return func(store *Store[TData]) {
		store.tableName = tableName
	}
}

// WithTransactionTimeout bounds store transactions that run without a
// caller-supplied deadline.
func WithTransactionTimeout[TData any](timeout time.Duration) Option[TData] {
	return func(store *Store[TData]) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists saga instances in PostgreSQL.
type Store[TData any] struct {
	connection         *relaypostgres.Connection
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ saga.Store[struct{}] = (*Store[struct{}])(nil)

// NewStore creates a PostgreSQL saga store over the shared connection hub.
func NewStore[TData any](connection *relaypostgres.Connection, opts ...Option[TData]) (*Store[TData], error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store[TData]{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "saga_instances",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "saga_instances"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// Find implements saga.Store.
func (store *Store[TData]) Find(ctx context.Context, sagaID string) (*saga.Instance[TData], error) {
	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.find_saga_instance")
	defer span.End()

	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		return nil, saga.ErrSagaIDRequired
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + sagaColumns + " FROM " + table + " WHERE saga_id = $1"

	instance, err := scanInstance[TData](db.QueryRowContext(ctx, query, sagaID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrNotFound
		}

		return nil, fmt.Errorf("querying saga instance: %w", err)
	}

	return instance, nil
}

// Create implements saga.Store. A duplicate saga id maps to
// saga.ErrAlreadyExists so the orchestrator can reload the winner.
func (store *Store[TData]) Create(ctx context.Context, instance *saga.Instance[TData]) error {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_saga_instance")
	defer span.End()

	if instance == nil || strings.TrimSpace(instance.SagaID) == "" {
		return saga.ErrSagaIDRequired
	}

	data, metadata, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	_, err = withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "INSERT INTO " + table + " (" + sagaColumns + ") " +
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

		_, execErr := tx.ExecContext(ctx, query,
			instance.SagaID,
			instance.SagaType,
			data,
			instance.CurrentState,
			int64(1),
			instance.Completed,
			instance.Faulted,
			instance.FaultReason,
			metadata,
			instance.CreatedAt,
			instance.LastUpdatedAt,
		)

		return struct{}{}, execErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return saga.ErrAlreadyExists
		}

		logger.Log(ctx, log.LevelError, "failed to create saga instance",
			log.String("saga_id", instance.SagaID), log.Err(err))

		return fmt.Errorf("creating saga instance: %w", err)
	}

	instance.Version = 1

	return nil
}

// Update implements saga.Store. The write succeeds only when the stored
// version still matches expectedVersion; on success the in-memory instance
// carries the incremented version.
func (store *Store[TData]) Update(ctx context.Context, instance *saga.Instance[TData], expectedVersion int64) error {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.update_saga_instance")
	defer span.End()

	if instance == nil || strings.TrimSpace(instance.SagaID) == "" {
		return saga.ErrSagaIDRequired
	}

	data, metadata, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	_, err = withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table + " SET " +
			"data = $1, current_state = $2, version = version + 1, " +
			"completed = $3, faulted = $4, fault_reason = $5, " +
			"metadata = $6, last_updated_at = $7 " +
			"WHERE saga_id = $8 AND version = $9"

		result, execErr := tx.ExecContext(ctx, query,
			data,
			instance.CurrentState,
			instance.Completed,
			instance.Faulted,
			instance.FaultReason,
			metadata,
			now,
			instance.SagaID,
			expectedVersion,
		)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return struct{}{}, fmt.Errorf("rows affected: %w", rowsErr)
		}

		if rows == 0 {
			return struct{}{}, store.classifyMissingRow(ctx, tx, instance.SagaID)
		}

		return struct{}{}, nil
	})
	if err != nil {
		if errors.Is(err, saga.ErrVersionConflict) || errors.Is(err, saga.ErrNotFound) {
			return err
		}

		logger.Log(ctx, log.LevelError, "failed to update saga instance",
			log.String("saga_id", instance.SagaID), log.Err(err))

		return fmt.Errorf("updating saga instance: %w", err)
	}

	instance.Version = expectedVersion + 1
	instance.LastUpdatedAt = now

	return nil
}

// FindTimedOut implements saga.Store.
func (store *Store[TData]) FindTimedOut(ctx context.Context, threshold time.Time, limit int) ([]*saga.Instance[TData], error) {
	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.find_timed_out_sagas")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + sagaColumns + " FROM " + table + " " +
		"WHERE completed = FALSE AND faulted = FALSE AND last_updated_at < $1 " +
		"ORDER BY last_updated_at ASC LIMIT $2"

	return queryInstances[TData](ctx, db, query, threshold.UTC(), limit)
}

// FindFaulted implements saga.Store.
func (store *Store[TData]) FindFaulted(ctx context.Context, limit int) ([]*saga.Instance[TData], error) {
	_, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.find_faulted_sagas")
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + sagaColumns + " FROM " + table + " " +
		"WHERE faulted ORDER BY last_updated_at ASC LIMIT $1"

	return queryInstances[TData](ctx, db, query, limit)
}

func (store *Store[TData]) classifyMissingRow(ctx context.Context, tx dbresolver.Tx, sagaID string) error {
	table := quoteIdentifierPath(store.tableName)
	query := "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE saga_id = $1)"

	var exists bool
	if err := tx.QueryRowContext(ctx, query, sagaID).Scan(&exists); err != nil {
		return fmt.Errorf("classifying missing row: %w", err)
	}

	if exists {
		return saga.ErrVersionConflict
	}

	return saga.ErrNotFound
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryInstances[TData any](ctx context.Context, db rowQuerier, query string, args ...any) ([]*saga.Instance[TData], error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying saga instances: %w", err)
	}
	defer rows.Close()

	instances := make([]*saga.Instance[TData], 0)

	for rows.Next() {
		instance, scanErr := scanInstance[TData](rows)
		if scanErr != nil {
			return nil, scanErr
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating saga instances: %w", err)
	}

	return instances, nil
}

func scanInstance[TData any](scanner interface{ Scan(dest ...any) error }) (*saga.Instance[TData], error) {
	var (
		instance saga.Instance[TData]
		data     []byte
		metadata []byte
	)

	err := scanner.Scan(
		&instance.SagaID,
		&instance.SagaType,
		&data,
		&instance.CurrentState,
		&instance.Version,
		&instance.Completed,
		&instance.Faulted,
		&instance.FaultReason,
		&metadata,
		&instance.CreatedAt,
		&instance.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &instance.Data); err != nil {
			return nil, fmt.Errorf("decoding saga data: %w", err)
		}
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &instance.Metadata); err != nil {
			return nil, fmt.Errorf("decoding saga metadata: %w", err)
		}
	}

	return &instance, nil
}

func encodeInstance[TData any](instance *saga.Instance[TData]) ([]byte, []byte, error) {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding saga data: %w", err)
	}

	metadata := instance.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	encodedMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding saga metadata: %w", err)
	}

	return data, encodedMetadata, nil
}

func withTx[T, TData any](ctx context.Context, store *Store[TData], fn func(dbresolver.Tx) (T, error)) (T, error) {
	var zero T

	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return zero, err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		txCtx, cancel = context.WithTimeout(ctx, store.transactionTimeout)
		defer cancel()
	}

	tx, err := db.BeginTx(txCtx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(part); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(part))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
