package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLoad(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "task_sets", "lab-1")
	require.NoError(t, err)

	stored, err := json.Marshal([]Task{{ID: "10.1/a", Rule: "siteA"}})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT tasks FROM task_sets WHERE installation = \$1`).
		WithArgs("lab-1").
		WillReturnRows(pgxmock.NewRows([]string{"tasks"}).AddRow(stored))

	tasks, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "10.1/a", tasks[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "task_sets", "lab-1")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT tasks FROM task_sets WHERE installation = \$1`).
		WithArgs("lab-1").
		WillReturnError(pgx.ErrNoRows)

	tasks, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "task_sets", "lab-1")
	require.NoError(t, err)

	tasks := []Task{{ID: "10.1/a", Rule: "siteA", Status: StatusSucceeded}}
	payload, err := json.Marshal(tasks)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO task_sets`).
		WithArgs("lab-1", payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), tasks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(mock, "task-sets; DROP TABLE", "lab-1")
	require.Error(t, err)
}
