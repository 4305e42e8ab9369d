package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/stagee/pkg/fsm"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}, mock
}

func TestCreateExecutionIdempotentHit(t *testing.T) {
	ps, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT execution_id FROM executions`).
		WithArgs("tenant-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"execution_id"}).AddRow("exec-existing"))

	_, err := ps.CreateExecution(context.Background(), &Execution{
		TenantID: "tenant-1", IdempotencyKey: "key-1", Status: fsm.ExecutionPendingApproval,
	})

	var hit *IdempotentHit
	require.ErrorAs(t, err, &hit)
	assert.Equal(t, "exec-existing", hit.ExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecutionInsertsWhenNoIdempotencyKey(t *testing.T) {
	ps, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO executions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := ps.CreateExecution(context.Background(), &Execution{
		ExecutionID: "exec-1", TenantID: "tenant-1", Status: fsm.ExecutionPendingApproval,
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionExecutionRejectsWhenNoRowMatched(t *testing.T) {
	ps, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE executions SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ps.TransitionExecution(context.Background(), "exec-1", fsm.ExecutionApproved, fsm.ExecutionQueued, "dispatch")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionExecutionRejectsInvalidEdgeWithoutQuerying(t *testing.T) {
	ps, mock := newMockStore(t)

	err := ps.TransitionExecution(context.Background(), "exec-1", fsm.ExecutionCompleted, fsm.ExecutionRunning, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL should be issued for an FSM-invalid edge")
}

func TestAckIsIdempotentOnAlreadyCompleted(t *testing.T) {
	ps, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE queue_items SET status = 'COMPLETED'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ps.Ack(context.Background(), "q1", "tok1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
