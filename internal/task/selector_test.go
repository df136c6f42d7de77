package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectNextSkipsTerminal(t *testing.T) {
	t.Parallel()

	tasks := []Task{
		{ID: "10.1/done", Status: StatusSucceeded},
		{ID: "10.1/failed", Status: StatusFailed},
		{ID: "10.1/first"},
		{ID: "10.1/second"},
		{ID: "10.1/third"},
	}

	current, upcoming := SelectNext(tasks)
	require.NotNil(t, current)
	require.Equal(t, "10.1/first", current.ID)
	require.NotNil(t, upcoming)
	require.Equal(t, "10.1/second", upcoming.ID)
}

func TestSelectNextNeverReturnsDownloaded(t *testing.T) {
	t.Parallel()

	tasks := []Task{
		{ID: "10.1/a", Status: StatusSucceeded},
		{ID: "10.1/b", Status: StatusSucceeded},
	}
	current, upcoming := SelectNext(tasks)
	require.Nil(t, current)
	require.Nil(t, upcoming)
}

func TestSelectNextSingle(t *testing.T) {
	t.Parallel()

	tasks := []Task{{ID: "10.1/only"}}
	current, upcoming := SelectNext(tasks)
	require.NotNil(t, current)
	require.Equal(t, "10.1/only", current.ID)
	require.Nil(t, upcoming)
}

func TestSelectNextMutatesUnderlying(t *testing.T) {
	t.Parallel()

	// The pointer aliases the slice element, so mutations land in the
	// sequence that gets persisted.
	tasks := []Task{{ID: "10.1/x"}}
	current, _ := SelectNext(tasks)
	current.Status = StatusSucceeded
	require.Equal(t, StatusSucceeded, tasks[0].Status)
}

func TestCountByState(t *testing.T) {
	t.Parallel()

	tasks := []Task{
		{Status: StatusPending},
		{Status: StatusPending},
		{Status: StatusSucceeded},
		{Status: StatusFailed},
		{Status: StatusFailed},
		{Status: StatusFailed},
	}
	pending, done, failed := CountByState(tasks)
	require.Equal(t, 2, pending)
	require.Equal(t, 1, done)
	require.Equal(t, 3, failed)
}
