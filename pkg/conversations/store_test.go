package conversations

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	cfg := &config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "conversations.db"),
	}
	cfg.SetDefaults()
	sqlStore, err := NewSQLStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sqlStore,
	}
}

func scope(name string) Scope {
	return Scope{Tenant: "acme", Agent: "helper", Conversation: name}
}

func TestAppendAndList(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("greetings")

			id1, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "hi"})
			require.NoError(t, err)
			id2, err := store.Append(ctx, sc, Interaction{Role: "helper", Message: "hello"})
			require.NoError(t, err)
			assert.Greater(t, id2, id1, "ids are monotonic within a conversation")

			list, total, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			require.Len(t, list, 2)
			assert.Equal(t, "hi", list[0].Message)
			assert.Equal(t, "hello", list[1].Message)
			assert.False(t, list[0].Timestamp.IsZero())
		})
	}
}

func TestListNewestFirstAndPaging(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("paged")
			for _, msg := range []string{"one", "two", "three", "four", "five"} {
				_, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: msg})
				require.NoError(t, err)
			}

			list, total, err := store.List(ctx, sc, Page{Limit: 2, Page: 1, NewestFirst: true})
			require.NoError(t, err)
			assert.Equal(t, 5, total)
			require.Len(t, list, 2)
			assert.Equal(t, "five", list[0].Message)
			assert.Equal(t, "four", list[1].Message)

			list, _, err = store.List(ctx, sc, Page{Limit: 2, Page: 3, NewestFirst: true})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "one", list[0].Message)
		})
	}
}

func TestListAfterAppendContainsIt(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("consistency")

			_, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "first"})
			require.NoError(t, err)
			id, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "latest"})
			require.NoError(t, err)

			list, _, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, "latest", list[len(list)-1].Message)
			assert.Equal(t, id, list[len(list)-1].ID)

			reversed, _, err := store.List(ctx, sc, Page{NewestFirst: true})
			require.NoError(t, err)
			assert.Equal(t, "latest", reversed[0].Message)
		})
	}
}

func TestUpdateMessageIsIdempotent(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("edits")

			id, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "tpyo"})
			require.NoError(t, err)

			require.NoError(t, store.UpdateMessage(ctx, sc, id, "typo"))
			require.NoError(t, store.UpdateMessage(ctx, sc, id, "typo"))

			list, _, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, "typo", list[0].Message)
			assert.Equal(t, id, list[0].ID, "update preserves the id")

			assert.ErrorIs(t, store.UpdateMessage(ctx, sc, 999, "x"), ErrMessageMissing)
		})
	}
}

func TestDeleteMessagePreservesOtherIDs(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("deletions")

			id1, _ := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "a"})
			id2, _ := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "b"})
			id3, _ := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "c"})

			require.NoError(t, store.DeleteMessage(ctx, sc, id2))

			list, total, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			assert.Equal(t, []int64{id1, id3}, []int64{list[0].ID, list[1].ID})

			// New appends continue the sequence rather than reusing ids.
			id4, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "d"})
			require.NoError(t, err)
			assert.Greater(t, id4, id3)
		})
	}
}

func TestRenameRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("original")

			_, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "hi"})
			require.NoError(t, err)

			require.NoError(t, store.Rename(ctx, sc, "renamed"))
			_, _, err = store.List(ctx, sc, Page{})
			assert.ErrorIs(t, err, ErrNotFound)

			renamed := scope("renamed")
			require.NoError(t, store.Rename(ctx, renamed, "original"))

			list, _, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, "hi", list[0].Message)
		})
	}
}

func TestRenameRejectsTakenName(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, scope("a"), Interaction{Role: RoleUser, Message: "x"})
			require.NoError(t, err)
			_, err = store.Append(ctx, scope("b"), Interaction{Role: RoleUser, Message: "y"})
			require.NoError(t, err)

			assert.ErrorIs(t, store.Rename(ctx, scope("a"), "b"), ErrNameTaken)
		})
	}
}

func TestRenameReleasesStaleLockEntry(t *testing.T) {
	cfg := &config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "conversations.db"),
	}
	cfg.SetDefaults()
	s, err := NewSQLStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	old := scope("before")
	_, err = s.Append(ctx, old, Interaction{Role: RoleUser, Message: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Rename(ctx, old, "after"))

	s.mu.Lock()
	_, stale := s.locks[old]
	s.mu.Unlock()
	assert.False(t, stale, "the old scope's lock entry must not linger after a rename")

	_, err = s.Append(ctx, scope("after"), Interaction{Role: RoleUser, Message: "again"})
	require.NoError(t, err)
}

func TestRenameConcurrentWithAppends(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := scope("moving")
			_, err := store.Append(ctx, old, Interaction{Role: RoleUser, Message: "seed"})
			require.NoError(t, err)

			const appends = 20
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < appends; i++ {
					_, err := store.Append(ctx, old, Interaction{Role: RoleUser, Message: "m"})
					assert.NoError(t, err)
				}
			}()
			require.NoError(t, store.Rename(ctx, old, "moved"))
			wg.Wait()

			// Appends racing the rename land either in the renamed
			// conversation or in a fresh one under the old name; none may
			// be lost or duplicated.
			moved, movedTotal, err := store.List(ctx, scope("moved"), Page{})
			require.NoError(t, err)
			assert.Equal(t, "seed", moved[0].Message)

			total := movedTotal
			if _, n, err := store.List(ctx, old, Page{}); err == nil {
				total += n
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
			assert.Equal(t, appends+1, total)
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("doomed")

			_, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "hi"})
			require.NoError(t, err)

			require.NoError(t, store.DeleteConversation(ctx, sc))
			_, _, err = store.List(ctx, sc, Page{})
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.DeleteConversation(ctx, sc), ErrNotFound)
		})
	}
}

func TestConversationsScopedByTenantAndAgent(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, scope("one"), Interaction{Role: RoleUser, Message: "x"})
			require.NoError(t, err)
			_, err = store.Append(ctx, scope("two"), Interaction{Role: RoleUser, Message: "x"})
			require.NoError(t, err)
			_, err = store.Append(ctx, Scope{Tenant: "other", Agent: "helper", Conversation: "three"},
				Interaction{Role: RoleUser, Message: "x"})
			require.NoError(t, err)

			names, err := store.Conversations(ctx, "acme", "helper")
			require.NoError(t, err)
			assert.Equal(t, []string{"one", "two"}, names)
		})
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("busy")

			const writers = 8
			const perWriter = 10
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						_, err := store.Append(ctx, sc, Interaction{
							Role:      RoleUser,
							Message:   "m",
							Timestamp: time.Now(),
						})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			list, total, err := store.List(ctx, sc, Page{})
			require.NoError(t, err)
			assert.Equal(t, writers*perWriter, total)

			seen := map[int64]bool{}
			for _, in := range list {
				assert.False(t, seen[in.ID], "duplicate id %d", in.ID)
				seen[in.ID] = true
			}
		})
	}
}

func TestExportMatchesList(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := scope("export")
			_, err := store.Append(ctx, sc, Interaction{Role: RoleUser, Message: "a", Error: false})
			require.NoError(t, err)
			_, err = store.Append(ctx, sc, Interaction{Role: ToolRole("echo"), Message: "failed", Error: true})
			require.NoError(t, err)

			exported, err := store.Export(ctx, sc)
			require.NoError(t, err)
			require.Len(t, exported, 2)
			assert.Equal(t, "tool:echo", exported[1].Role)
			assert.True(t, exported[1].Error)
		})
	}
}
