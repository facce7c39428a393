package pgstore

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*yieldsaga.StateStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(db), mock
}

func stateRow(t *testing.T, mutate func(*yieldsaga.TransactionState)) (*yieldsaga.TransactionState, *sqlmock.Rows) {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	state := &yieldsaga.TransactionState{
		ID:          "saga_01jf3kz9v8e6y0m2c7xq4w5t1n",
		Workflow:    yieldsaga.WorkflowDeposit,
		Status:      yieldsaga.StatusPending,
		CurrentStep: yieldsaga.StepSwapToStable,
		UserAddress: "GUSER",
		Amount:      decimal.NewFromInt(1000),
		ChainTxRefs: map[string]map[string]string{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if mutate != nil {
		mutate(state)
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	return state, sqlmock.NewRows([]string{"data"}).AddRow(data)
}

func TestCreate(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO yieldsaga_sagas")).
		WithArgs(sqlmock.AnyArg(), "deposit", "pending", "GUSER", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	state, err := store.Create(context.Background(), yieldsaga.CreateRequest{
		Workflow:    yieldsaga.WorkflowDeposit,
		UserAddress: "GUSER",
		Amount:      decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	require.Equal(t, yieldsaga.StatusPending, state.Status)
}

func TestInsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	state, _ := stateRow(t, nil)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO yieldsaga_sagas")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err = New(db).Insert(context.Background(), state)
	require.ErrorIs(t, err, yieldsaga.ErrStateExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	store, mock := newMock(t)

	state, rows := stateRow(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta(loadQuery)).WithArgs(state.ID).WillReturnRows(rows)
	got, err := store.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Equal(t, state.ID, got.ID)
	require.Equal(t, "1000", got.Amount.String())

	mock.ExpectQuery(regexp.QuoteMeta(loadQuery)).WithArgs("saga_missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	_, err = store.Get(ctx, "saga_missing")
	require.ErrorIs(t, err, yieldsaga.ErrStateNotFound)
}

func TestMutateCommits(t *testing.T) {
	store, mock := newMock(t)
	state, rows := stateRow(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).WithArgs(state.ID).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE yieldsaga_sagas SET")).
		WithArgs(state.ID, "processing", sqlmock.AnyArg(), int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateStatus(context.Background(), state.ID, yieldsaga.StatusProcessing, nil))
}

func TestMutateRollsBackRejectedChange(t *testing.T) {
	store, mock := newMock(t)
	state, rows := stateRow(t, func(s *yieldsaga.TransactionState) {
		v := decimal.NewFromInt(997)
		s.Amounts.PostSwap = &v
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).WithArgs(state.ID).WillReturnRows(rows)
	mock.ExpectRollback()

	other := decimal.NewFromInt(500)
	err := store.UpdateAmounts(context.Background(), state.ID, yieldsaga.Amounts{PostSwap: &other})
	require.ErrorIs(t, err, yieldsaga.ErrFieldImmutable)
}

func TestMutateMissing(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).WithArgs("saga_missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectRollback()

	err := store.MarkCommitted(context.Background(), "saga_missing")
	require.ErrorIs(t, err, yieldsaga.ErrStateNotFound)
}

func TestList(t *testing.T) {
	store, mock := newMock(t)
	_, rows := stateRow(t, func(s *yieldsaga.TransactionState) { s.Status = yieldsaga.StatusProcessing })

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM yieldsaga_sagas WHERE status = $1 AND user_address = $2 ORDER BY created_at DESC")).
		WithArgs("processing", "GUSER").
		WillReturnRows(rows)

	states, err := store.List(context.Background(), yieldsaga.ListFilter{
		Status:      yieldsaga.StatusProcessing,
		UserAddress: "GUSER",
	})
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, yieldsaga.StatusProcessing, states[0].Status)
}

func TestListStatement(t *testing.T) {
	tests := []struct {
		name   string
		filter yieldsaga.ListFilter
		query  string
		args   []any
	}{
		{"all", yieldsaga.ListFilter{}, "SELECT data FROM yieldsaga_sagas ORDER BY created_at DESC", nil},
		{
			"workflow",
			yieldsaga.ListFilter{Workflow: yieldsaga.WorkflowRoundTrip},
			"SELECT data FROM yieldsaga_sagas WHERE workflow = $1 ORDER BY created_at DESC",
			[]any{"roundtrip"},
		},
		{
			"every field",
			yieldsaga.ListFilter{Status: yieldsaga.StatusFailed, UserAddress: "GBOB", Workflow: yieldsaga.WorkflowWithdraw},
			"SELECT data FROM yieldsaga_sagas WHERE status = $1 AND user_address = $2 AND workflow = $3 ORDER BY created_at DESC",
			[]any{"failed", "GBOB", "withdraw"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := listStatement(tt.filter)
			require.Equal(t, tt.query, query)
			require.Equal(t, tt.args, args)
		})
	}
}
