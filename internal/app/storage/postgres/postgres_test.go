package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

func TestPutAgentInsertsOnFirstVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := agent.New("agent-1", "Ada", "a test agent", []string{"math"})

	mock.ExpectExec("INSERT INTO arena_agents").
		WithArgs(a.ID, a.DisplayName, a.Description, sqlmock.AnyArg(), a.Active, string(a.Division),
			a.EloRating, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), a.LastMatchAt, sqlmock.AnyArg(), a.KingChallengeLosses, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := New(db)
	saved, err := store.PutAgent(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, 1, saved.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutAgentReturnsErrStaleOnVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := agent.New("agent-2", "Grace", "another agent", nil)
	a.Version = 3

	mock.ExpectExec("UPDATE arena_agents SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	_, err = store.PutAgent(context.Background(), a)
	require.ErrorIs(t, err, storage.ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentReturnsErrNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, display_name, description").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	store := New(db)
	_, err = store.GetAgent(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAppliedReportsFalseOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO arena_ratings_log").
		WithArgs("match-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	applied, err := store.MarkApplied(context.Background(), "match-1")
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}
