package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
)

func TestSeedStore(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, memory.New())
	require.NoError(t, err)
	users := []config.User{{Username: "alice", Password: "x"}, {Username: "bob", Password: "y"}}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, seedStore(ctx, store, users, now))

	for _, u := range users {
		calendars, err := store.Children(ctx, "/"+u.Username)
		require.NoError(t, err)
		require.Len(t, calendars, len(sampleCalendars))
		for _, c := range calendars {
			assert.True(t, c.IsCalendarCollection())
			assert.Equal(t, u.Username, storage.PrincipalOf(c.Path))
			items, err := store.Children(ctx, c.Path)
			require.NoError(t, err)
			assert.Len(t, items, 2)
		}
	}

	work, err := store.Resolve(ctx, "/alice/work")
	require.NoError(t, err)
	assert.Equal(t, "Work", work.DisplayName)
	assert.Equal(t, "#FF0000", work.Properties[propCalendarColor])

	require.NoError(t, seedStore(ctx, store, users, now), "existing homes are skipped")
	items, err := store.Children(ctx, "/alice/work")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
