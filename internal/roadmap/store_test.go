package roadmap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "roadmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestToggleCreatesMissingItemAsDone(t *testing.T) {
	s := openTestStore(t)

	done, err := s.ToggleItem(context.Background(), "claudetini", "wire streaming")
	require.NoError(t, err)
	require.True(t, done)

	items, err := s.Items(context.Background(), "claudetini")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].Done)
}

func TestToggleFlipsExistingItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ToggleItem(ctx, "claudetini", "wire streaming")
	require.NoError(t, err)

	done, err := s.ToggleItem(ctx, "claudetini", "wire streaming")
	require.NoError(t, err)
	require.False(t, done)

	done, err = s.ToggleItem(ctx, "claudetini", "wire streaming")
	require.NoError(t, err)
	require.True(t, done)
}

func TestToggleRequiresProjectAndText(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ToggleItem(context.Background(), "", "x")
	require.Error(t, err)
	_, err = s.ToggleItem(context.Background(), "p", "")
	require.Error(t, err)
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkDone(ctx, "claudetini", "ship it"))
	require.NoError(t, s.MarkDone(ctx, "claudetini", "ship it"))

	items, err := s.Items(ctx, "claudetini")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].Done)
}

func TestItemsScopedByProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkDone(ctx, "a", "one"))
	require.NoError(t, s.MarkDone(ctx, "b", "two"))

	items, err := s.Items(ctx, "a")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "one", items[0].Text)
}
