package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/core"
)

// archivingStore is the surface the conformance suite exercises.
type archivingStore interface {
	core.Store
	Archiver
}

// exerciseStore runs the behavior shared by every store implementation.
func exerciseStore(t *testing.T, store archivingStore) {
	ctx := context.Background()

	t.Run("get unknown session", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, core.ErrSessionNotFound)
	})

	t.Run("create is idempotent on id", func(t *testing.T) {
		first, err := store.Create(ctx, "sess-1", "owner-1")
		require.NoError(t, err)
		assert.Equal(t, "owner-1", first.OwnerID)

		again, err := store.Create(ctx, "sess-1", "owner-2")
		require.NoError(t, err)
		assert.Equal(t, "owner-1", again.OwnerID)
	})

	t.Run("save round-trips turn history and bumps version", func(t *testing.T) {
		sess, err := store.Create(ctx, "sess-2", "owner-1")
		require.NoError(t, err)

		turn := core.NewTurn("turn-1", sess.ID, "open the door")
		turn.Status = core.TurnCompleted
		turn.Output = "The door creaks open."
		turn.Steps = []core.AgentStep{{ID: "narrate", Capability: "narrator@v1", Status: core.StepSucceeded}}
		sess.AppendTurn(*turn)
		sess.RaiseSafetyStatus(core.SafetyFlagged)

		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, sess))
		assert.Equal(t, uint64(1), sess.Version)

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), loaded.Version)
		assert.Equal(t, core.SafetyFlagged, loaded.SafetyStatus)
		require.Len(t, loaded.Turns, 1)
		assert.Equal(t, "The door creaks open.", loaded.Turns[0].Output)
		require.Len(t, loaded.Turns[0].Steps, 1)
		assert.Equal(t, core.StepSucceeded, loaded.Turns[0].Steps[0].Status)

		require.NoError(t, store.Save(ctx, loaded))
		assert.Equal(t, uint64(2), loaded.Version)
	})

	t.Run("returned snapshots are isolated", func(t *testing.T) {
		sess, err := store.Create(ctx, "sess-3", "owner-1")
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, sess))

		snapshot, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		snapshot.AppendTurn(core.Turn{ID: "rogue"})

		fresh, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Empty(t, fresh.Turns)
	})

	t.Run("archive retains the record", func(t *testing.T) {
		sess, err := store.Create(ctx, "sess-4", "owner-1")
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, sess))

		require.NoError(t, store.Archive(ctx, sess.ID))

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, loaded.Archived)

		assert.ErrorIs(t, store.Archive(ctx, "nope"), core.ErrSessionNotFound)
	})

	t.Run("clear safety pin", func(t *testing.T) {
		sess, err := store.Create(ctx, "sess-5", "owner-1")
		require.NoError(t, err)
		sess.RaiseSafetyStatus(core.SafetyEscalated)
		require.True(t, sess.IsPinned())
		require.NoError(t, store.Save(ctx, sess))

		require.NoError(t, store.ClearSafetyPin(ctx, sess.ID))

		loaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, loaded.Pinned)
		// The status history is untouched; only the pin is cleared.
		assert.Equal(t, core.SafetyEscalated, loaded.SafetyStatus)

		assert.ErrorIs(t, store.ClearSafetyPin(ctx, "nope"), core.ErrSessionNotFound)
	})

	t.Run("archive inactive spares escalated sessions", func(t *testing.T) {
		stale, err := store.Create(ctx, "sess-stale", "owner-1")
		require.NoError(t, err)
		stale.LastActivity = time.Now().Add(-48 * time.Hour)
		require.NoError(t, store.Save(ctx, stale))

		escalated, err := store.Create(ctx, "sess-escalated", "owner-1")
		require.NoError(t, err)
		escalated.RaiseSafetyStatus(core.SafetyEscalated)
		escalated.LastActivity = time.Now().Add(-48 * time.Hour)
		require.NoError(t, store.Save(ctx, escalated))

		fresh, err := store.Create(ctx, "sess-fresh", "owner-1")
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, fresh))

		n, err := store.ArchiveInactive(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		staleLoaded, err := store.Get(ctx, "sess-stale")
		require.NoError(t, err)
		assert.True(t, staleLoaded.Archived)

		escalatedLoaded, err := store.Get(ctx, "sess-escalated")
		require.NoError(t, err)
		assert.False(t, escalatedLoaded.Archived)

		freshLoaded, err := store.Get(ctx, "sess-fresh")
		require.NoError(t, err)
		assert.False(t, freshLoaded.Archived)
	})
}
