//go:build unit

package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	relaypostgres "github.com/MeridioStudio/lib-relay/relay/postgres"
	"github.com/MeridioStudio/lib-relay/relay/saga"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderData struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

func newMockStore(t *testing.T, opts ...Option[orderData]) (*Store[orderData], sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(db),
		dbresolver.WithReplicaDBs(db),
	)

	store, err := NewStore[orderData](relaypostgres.NewWithResolver(resolver), opts...)
	require.NoError(t, err)

	return store, mock
}

func sampleInstance(t *testing.T, sagaID string) *saga.Instance[orderData] {
	t.Helper()

	instance, err := saga.NewInstance("order", sagaID, "started", orderData{OrderID: sagaID, Amount: 100})
	require.NoError(t, err)

	return instance
}

func sagaRowColumns() []string {
	return []string{
		"saga_id", "saga_type", "data", "current_state", "version",
		"completed", "faulted", "fault_reason", "metadata",
		"created_at", "last_updated_at",
	}
}

func addInstanceRow(rows *sqlmock.Rows, instance *saga.Instance[orderData]) *sqlmock.Rows {
	return rows.AddRow(
		instance.SagaID, instance.SagaType, []byte(`{"order_id":"`+instance.SagaID+`","amount":100}`),
		instance.CurrentState, instance.Version,
		instance.Completed, instance.Faulted, instance.FaultReason, []byte(`{"key":"value"}`),
		instance.CreatedAt, instance.LastUpdatedAt,
	)
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStore[orderData](nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	connection := relaypostgres.NewWithResolver(nil)

	_, err = NewStore[orderData](connection, WithTableName[orderData]("saga_instances; DROP TABLE users"))
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = NewStore[orderData](connection, WithTableName[orderData]("relay.saga_instances"))
	require.NoError(t, err)
}

func TestFindReturnsDecodedInstance(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + sagaColumns + ` FROM "saga_instances" WHERE saga_id = $1`)).
		WithArgs("order-1").
		WillReturnRows(addInstanceRow(sqlmock.NewRows(sagaRowColumns()), instance))

	found, err := store.Find(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", found.SagaID)
	assert.Equal(t, "order", found.SagaType)
	assert.Equal(t, orderData{OrderID: "order-1", Amount: 100}, found.Data)

	value, ok := found.GetMetadata("key")
	require.True(t, ok)
	assert.Equal(t, "value", value)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns()))

	_, err := store.Find(context.Background(), "missing")
	require.ErrorIs(t, err, saga.ErrNotFound)

	_, err = store.Find(context.Background(), "  ")
	require.ErrorIs(t, err, saga.ErrSagaIDRequired)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "saga_instances"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Create(context.Background(), instance))
	assert.Equal(t, int64(1), instance.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "saga_instances"`)).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	mock.ExpectRollback()

	require.ErrorIs(t, store.Create(context.Background(), instance), saga.ErrAlreadyExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateIncrementsVersion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")
	require.NoError(t, instance.TransitionTo("paid"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "saga_instances" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Update(context.Background(), instance, 1))
	assert.Equal(t, int64(2), instance.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "saga_instances" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	require.ErrorIs(t, store.Update(context.Background(), instance, 1), saga.ErrVersionConflict)
	assert.Equal(t, int64(1), instance.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingRowNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	instance := sampleInstance(t, "order-1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "saga_instances" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	require.ErrorIs(t, store.Update(context.Background(), instance, 1), saga.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindTimedOutFiltersOpenInstances(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	stale := sampleInstance(t, "stale")
	threshold := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE completed = FALSE AND faulted = FALSE AND last_updated_at < $1`)).
		WithArgs(threshold, 10).
		WillReturnRows(addInstanceRow(sqlmock.NewRows(sagaRowColumns()), stale))

	timedOut, err := store.FindTimedOut(context.Background(), threshold, 10)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "stale", timedOut[0].SagaID)

	// Non-positive limits short-circuit without touching the database.
	timedOut, err = store.FindTimedOut(context.Background(), threshold, 0)
	require.NoError(t, err)
	assert.Empty(t, timedOut)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindFaulted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	broken := sampleInstance(t, "broken")
	broken.Fault("charge declined")

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE faulted ORDER BY last_updated_at ASC LIMIT $1`)).
		WithArgs(5).
		WillReturnRows(addInstanceRow(sqlmock.NewRows(sagaRowColumns()), broken))

	faulted, err := store.FindFaulted(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, faulted, 1)
	assert.Equal(t, "broken", faulted[0].SagaID)
	assert.True(t, faulted[0].Faulted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomTableNameIsQuoted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, WithTableName[orderData]("relay.saga_instances"))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "relay"."saga_instances" WHERE saga_id = $1`)).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(sagaRowColumns()))

	_, err := store.Find(context.Background(), "order-1")
	require.ErrorIs(t, err, saga.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
