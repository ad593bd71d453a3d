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
	"github.com/MeridioStudio/lib-relay/relay/outbox"
	relaypostgres "github.com/MeridioStudio/lib-relay/relay/postgres"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")

	identifierPattern         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	defaultTransactionTimeout = 30 * time.Second
)

const outboxColumns = "id, message_type, payload, routing_key, exchange, headers, " +
	"correlation_id, causation_id, status, retry_count, last_error, priority, " +
	"tenant_id, created_at, published_at, scheduled_at, next_retry_at"

// Option configures the store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTableName overrides the default outbox_messages table name. A
// schema-qualified name like "relay.outbox_messages" is accepted.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTransactionTimeout bounds store transactions that run without a
// caller-supplied deadline.
func WithTransactionTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.transactionTimeout = timeout
		}
	}
}

// Store persists outbox messages in PostgreSQL.
type Store struct {
	connection         *relaypostgres.Connection
	logger             log.Logger
	tableName          string
	transactionTimeout time.Duration
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store over the shared connection hub.
func NewStore(connection *relaypostgres.Connection, opts ...Option) (*Store, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		connection:         connection,
		logger:             log.NewNop(),
		tableName:          "outbox_messages",
		transactionTimeout: defaultTransactionTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = "outbox_messages"
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// CreateBatch inserts staged messages in a single transaction. Either every
// row in the batch becomes visible or none does.
func (store *Store) CreateBatch(ctx context.Context, messages []*outbox.Message) error {
	if len(messages) == 0 {
		return nil
	}

	for _, message := range messages {
		if err := message.Validate(); err != nil {
			return err
		}
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_batch")
	defer span.End()

	_, err := withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		query, args, buildErr := store.buildInsertBatch(messages)
		if buildErr != nil {
			return struct{}{}, buildErr
		}

		if _, execErr := tx.ExecContext(ctx, query, args...); execErr != nil {
			return struct{}{}, fmt.Errorf("inserting outbox batch: %w", execErr)
		}

		return struct{}{}, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create outbox batch",
			log.Int("message_count", len(messages)), log.Err(err))

		return fmt.Errorf("creating outbox batch: %w", err)
	}

	return nil
}

// ClaimBatch locks up to limit due rows with FOR UPDATE SKIP LOCKED, moves
// them to PROCESSING, and returns them.
func (store *Store) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*outbox.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_batch")
	defer span.End()

	claimed, err := withTx(ctx, store, func(tx dbresolver.Tx) ([]*outbox.Message, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "SELECT " + outboxColumns + " FROM " + table + " WHERE " +
			"(status = 'PENDING' " +
			"OR (status = 'SCHEDULED' AND scheduled_at <= $1) " +
			"OR (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)) " +
			"ORDER BY priority DESC, created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED"

		messages, err := store.queryMessages(ctx, tx, query, []any{now, limit}, limit)
		if err != nil {
			return nil, fmt.Errorf("querying due messages: %w", err)
		}

		if len(messages) == 0 {
			return messages, nil
		}

		ids := collectMessageIDs(messages)
		claimedAt := time.Now().UTC()

		update := "UPDATE " + table + " SET status = 'PROCESSING', updated_at = $1 " +
			"WHERE id = ANY($2::uuid[]) AND status IN ('PENDING', 'SCHEDULED', 'FAILED')"

		result, execErr := tx.ExecContext(ctx, update, claimedAt, ids)
		if execErr != nil {
			return nil, fmt.Errorf("claiming messages: %w", execErr)
		}

		if err := ensureRowsAffectedExact(result, int64(len(ids))); err != nil {
			return nil, fmt.Errorf("claiming messages: %w", err)
		}

		for _, message := range messages {
			message.Status = outbox.StatusProcessing
		}

		return messages, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to claim outbox batch", log.Err(err))

		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}

	return claimed, nil
}

// MarkPublished transitions a PROCESSING row to PUBLISHED.
func (store *Store) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_published")
	defer span.End()

	_, err := withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table + " SET status = 'PUBLISHED', published_at = $1, updated_at = $2 " +
			"WHERE id = $3 AND status = 'PROCESSING'"

		result, execErr := tx.ExecContext(ctx, query, publishedAt, time.Now().UTC(), id)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrStateConflict) {
			logger.Log(ctx, log.LevelError, "failed to mark outbox published",
				log.String("message_id", id.String()), log.Err(err))
		}

		return fmt.Errorf("marking published: %w", err)
	}

	return nil
}

// MarkFailed transitions a PROCESSING row to FAILED with a retry schedule,
// or straight to DEAD_LETTER when the retry budget is spent or nextRetryAt
// is nil.
func (store *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time, maxRetries int) error {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	errMsg = outbox.SanitizeErrorMessage(errMsg)

	_, err := withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)

		var (
			query string
			args  []any
		)

		if nextRetryAt == nil {
			query = "UPDATE " + table + " SET status = 'DEAD_LETTER', " +
				"retry_count = retry_count + 1, last_error = $1, next_retry_at = NULL, updated_at = $2 " +
				"WHERE id = $3 AND status = 'PROCESSING'"
			args = []any{errMsg, time.Now().UTC(), id}
		} else {
			query = "UPDATE " + table + " SET " +
				"status = CASE WHEN retry_count + 1 > $1 THEN 'DEAD_LETTER' ELSE 'FAILED' END::outbox_message_status, " +
				"retry_count = retry_count + 1, " +
				"last_error = $2, " +
				"next_retry_at = CASE WHEN retry_count + 1 > $1 THEN NULL ELSE $3 END, " +
				"updated_at = $4 WHERE id = $5 AND status = 'PROCESSING'"
			args = []any{maxRetries, errMsg, *nextRetryAt, time.Now().UTC(), id}
		}

		result, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		return struct{}{}, ensureRowsAffected(result)
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrStateConflict) {
			logger.Log(ctx, log.LevelError, "failed to mark outbox failed",
				log.String("message_id", id.String()), log.Err(err))
		}

		return fmt.Errorf("marking failed: %w", err)
	}

	return nil
}

// ResetStuckProcessing returns PROCESSING rows untouched since olderThan to
// PENDING so another instance can claim them.
func (store *Store) ResetStuckProcessing(ctx context.Context, limit int, olderThan time.Time) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_stuck_processing")
	defer span.End()

	reset, err := withTx(ctx, store, func(tx dbresolver.Tx) (int, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table + " SET status = 'PENDING', updated_at = $1 " +
			"WHERE id IN (SELECT id FROM " + table +
			" WHERE status = 'PROCESSING' AND updated_at <= $2 " +
			"ORDER BY updated_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED)"

		result, execErr := tx.ExecContext(ctx, query, time.Now().UTC(), olderThan, limit)
		if execErr != nil {
			return 0, fmt.Errorf("executing update: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return int(rows), nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to reset stuck processing rows", log.Err(err))

		return 0, fmt.Errorf("resetting stuck processing: %w", err)
	}

	return reset, nil
}

// ListDeadLetters returns up to limit DEAD_LETTER rows, oldest first.
func (store *Store) ListDeadLetters(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.list_outbox_dead_letters")
	defer span.End()

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table +
		" WHERE status = 'DEAD_LETTER' ORDER BY created_at ASC LIMIT $1"

	messages, err := store.queryMessages(ctx, db, query, []any{limit}, limit)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to list dead letters", log.Err(err))

		return nil, fmt.Errorf("listing dead letters: %w", err)
	}

	return messages, nil
}

// ReplayDeadLetter resets a DEAD_LETTER row to PENDING with a zeroed retry
// budget.
func (store *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.replay_outbox_dead_letter")
	defer span.End()

	_, err := withTx(ctx, store, func(tx dbresolver.Tx) (struct{}, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "UPDATE " + table + " SET status = 'PENDING', retry_count = 0, " +
			"last_error = '', next_retry_at = NULL, updated_at = $1 " +
			"WHERE id = $2 AND status = 'DEAD_LETTER'"

		result, execErr := tx.ExecContext(ctx, query, time.Now().UTC(), id)
		if execErr != nil {
			return struct{}{}, fmt.Errorf("executing update: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return struct{}{}, fmt.Errorf("rows affected: %w", rowsErr)
		}

		if rows == 0 {
			return struct{}{}, store.classifyMissingRow(ctx, tx, id)
		}

		return struct{}{}, nil
	})
	if err != nil {
		if !errors.Is(err, outbox.ErrMessageNotFound) && !errors.Is(err, outbox.ErrStateConflict) {
			logger.Log(ctx, log.LevelError, "failed to replay dead letter",
				log.String("message_id", id.String()), log.Err(err))
		}

		return fmt.Errorf("replaying dead letter: %w", err)
	}

	return nil
}

// DeleteScheduled removes a SCHEDULED row that has not been claimed yet.
func (store *Store) DeleteScheduled(ctx context.Context, id uuid.UUID) (bool, error) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.delete_outbox_scheduled")
	defer span.End()

	deleted, err := withTx(ctx, store, func(tx dbresolver.Tx) (bool, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "DELETE FROM " + table + " WHERE id = $1 AND status = 'SCHEDULED'"

		result, execErr := tx.ExecContext(ctx, query, id)
		if execErr != nil {
			return false, fmt.Errorf("executing delete: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return false, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return rows > 0, nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to delete scheduled message",
			log.String("message_id", id.String()), log.Err(err))

		return false, fmt.Errorf("deleting scheduled message: %w", err)
	}

	return deleted, nil
}

// DeletePublishedBefore deletes PUBLISHED rows older than cutoff.
func (store *Store) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.delete_outbox_published")
	defer span.End()

	deleted, err := withTx(ctx, store, func(tx dbresolver.Tx) (int, error) {
		table := quoteIdentifierPath(store.tableName)
		query := "DELETE FROM " + table + " WHERE status = 'PUBLISHED' AND published_at < $1"

		result, execErr := tx.ExecContext(ctx, query, cutoff)
		if execErr != nil {
			return 0, fmt.Errorf("executing delete: %w", execErr)
		}

		rows, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("rows affected: %w", rowsErr)
		}

		return int(rows), nil
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to delete published messages", log.Err(err))

		return 0, fmt.Errorf("deleting published messages: %w", err)
	}

	return deleted, nil
}

// GetByID returns one message by id or outbox.ErrMessageNotFound.
func (store *Store) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.get_outbox_by_id")
	defer span.End()

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT " + outboxColumns + " FROM " + table + " WHERE id = $1"

	message, err := scanMessage(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrMessageNotFound
		}

		logger.Log(ctx, log.LevelError, "failed to get outbox message",
			log.String("message_id", id.String()), log.Err(err))

		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return message, nil
}

// CountByStatus returns the number of rows in the given status.
func (store *Store) CountByStatus(ctx context.Context, status outbox.Status) (int, error) {
	if !status.IsValid() {
		return 0, outbox.ErrStatusInvalid
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.count_outbox_by_status")
	defer span.End()

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return 0, err
	}

	table := quoteIdentifierPath(store.tableName)
	query := "SELECT COUNT(*) FROM " + table + " WHERE status = $1::outbox_message_status"

	var count int
	if err := db.QueryRowContext(ctx, query, string(status)).Scan(&count); err != nil {
		logger.Log(ctx, log.LevelError, "failed to count outbox messages", log.Err(err))

		return 0, fmt.Errorf("counting outbox messages: %w", err)
	}

	return count, nil
}

// classifyMissingRow distinguishes a missing row from a row in the wrong
// status after a zero-rows conditional update.
func (store *Store) classifyMissingRow(ctx context.Context, tx dbresolver.Tx, id uuid.UUID) error {
	table := quoteIdentifierPath(store.tableName)

	var exists bool

	query := "SELECT EXISTS (SELECT 1 FROM " + table + " WHERE id = $1)"
	if err := tx.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking message existence: %w", err)
	}

	if !exists {
		return outbox.ErrMessageNotFound
	}

	return outbox.ErrStateConflict
}

func (store *Store) buildInsertBatch(messages []*outbox.Message) (string, []any, error) {
	const columnsPerRow = 17

	table := quoteIdentifierPath(store.tableName)

	var query strings.Builder

	query.WriteString("INSERT INTO " + table + " (" + outboxColumns + ") VALUES ")

	args := make([]any, 0, len(messages)*columnsPerRow)

	for i, message := range messages {
		headers, err := json.Marshal(headersOrEmpty(message.Headers))
		if err != nil {
			return "", nil, fmt.Errorf("marshaling headers: %w", err)
		}

		if i > 0 {
			query.WriteString(", ")
		}

		query.WriteString("(")

		for j := range columnsPerRow {
			if j > 0 {
				query.WriteString(", ")
			}

			fmt.Fprintf(&query, "$%d", i*columnsPerRow+j+1)
		}

		query.WriteString(")")

		args = append(args,
			message.ID,
			message.MessageType,
			message.Payload,
			message.RoutingKey,
			message.Exchange,
			headers,
			message.CorrelationID,
			message.CausationID,
			string(message.Status),
			message.RetryCount,
			message.LastError,
			int16(message.Priority),
			nullString(message.TenantID),
			message.CreatedAt,
			nullTime(message.PublishedAt),
			nullTime(message.ScheduledAt),
			nullTime(message.NextRetryAt),
		)
	}

	return query.String(), args, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (store *Store) queryMessages(
	ctx context.Context,
	querier rowQuerier,
	query string,
	args []any,
	limit int,
) ([]*outbox.Message, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := make([]*outbox.Message, 0, limit)

	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return messages, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*outbox.Message, error) {
	var (
		message     outbox.Message
		headers     []byte
		status      string
		priority    int16
		tenantID    sql.NullString
		publishedAt sql.NullTime
		scheduledAt sql.NullTime
		nextRetryAt sql.NullTime
	)

	if err := scanner.Scan(
		&message.ID,
		&message.MessageType,
		&message.Payload,
		&message.RoutingKey,
		&message.Exchange,
		&headers,
		&message.CorrelationID,
		&message.CausationID,
		&status,
		&message.RetryCount,
		&message.LastError,
		&priority,
		&tenantID,
		&message.CreatedAt,
		&publishedAt,
		&scheduledAt,
		&nextRetryAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &message.Headers); err != nil {
			return nil, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	message.Status = outbox.Status(status)
	message.Priority = uint8(priority)
	message.TenantID = tenantID.String
	message.PublishedAt = timePtr(publishedAt)
	message.ScheduledAt = timePtr(scheduledAt)
	message.NextRetryAt = timePtr(nextRetryAt)

	return &message, nil
}

func withTx[T any](ctx context.Context, store *Store, fn func(dbresolver.Tx) (T, error)) (T, error) {
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

func collectMessageIDs(messages []*outbox.Message) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(messages))

	for _, message := range messages {
		if message == nil || message.ID == uuid.Nil {
			continue
		}

		ids = append(ids, message.ID)
	}

	return ids
}

func headersOrEmpty(headers map[string]string) map[string]string {
	if headers == nil {
		return map[string]string{}
	}

	return headers
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time

	return &t
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows == 0 {
		return outbox.ErrStateConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}

	if rows != expected {
		return outbox.ErrStateConflict
	}

	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	if result == nil {
		return 0, outbox.ErrStateConflict
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return rows, nil
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
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
