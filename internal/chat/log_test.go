package chat

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"parley/internal/kvstore"
)

func readyMessage(id string, role Role, content string, at int64) ConversationMessage {
	return ConversationMessage{ID: id, Role: role, Content: content, Status: StatusReady, CreatedAt: at}
}

func seedLog(t *testing.T, store kvstore.Store, key string, messages []ConversationMessage) {
	t.Helper()
	data, err := json.Marshal(messages)
	require.NoError(t, err)
	require.NoError(t, store.Set(key, string(data)))
}

func TestLoadLog(t *testing.T) {
	key, _ := StorageKeys("tester")

	t.Run("missing value falls back to greeting", func(t *testing.T) {
		l := loadLog(kvstore.NewMemory(), key, 50, zap.NewNop(), 1000)
		msgs := l.snapshot()
		require.Len(t, msgs, 1)
		assert.Equal(t, RoleAssistant, msgs[0].Role)
		assert.Equal(t, StatusReady, msgs[0].Status)
		assert.Equal(t, DefaultGreeting, msgs[0].Content)
	})

	t.Run("corrupt JSON falls back to greeting", func(t *testing.T) {
		store := kvstore.NewMemory()
		require.NoError(t, store.Set(key, "{this is not json"))

		l := loadLog(store, key, 50, zap.NewNop(), 1000)
		msgs := l.snapshot()
		require.Len(t, msgs, 1)
		assert.Equal(t, DefaultGreeting, msgs[0].Content)
	})

	t.Run("invalid entries are dropped", func(t *testing.T) {
		store := kvstore.NewMemory()
		seedLog(t, store, key, []ConversationMessage{
			readyMessage("a", RoleUser, "hello", 1),
			{ID: "", Role: RoleUser, Content: "no id", Status: StatusReady, CreatedAt: 2},
			{ID: "b", Role: "narrator", Content: "bad role", Status: StatusReady, CreatedAt: 3},
			readyMessage("c", RoleAssistant, "hi", 4),
		})

		l := loadLog(store, key, 50, zap.NewNop(), 1000)
		msgs := l.snapshot()
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", msgs[0].ID)
		assert.Equal(t, "c", msgs[1].ID)
	})

	t.Run("valid log round-trips", func(t *testing.T) {
		store := kvstore.NewMemory()
		seeded := []ConversationMessage{
			readyMessage("a", RoleUser, "hello", 1),
			readyMessage("b", RoleAssistant, "hi", 2),
		}
		seedLog(t, store, key, seeded)

		l := loadLog(store, key, 50, zap.NewNop(), 1000)
		if diff := cmp.Diff(seeded, l.snapshot()); diff != "" {
			t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLogTrimming(t *testing.T) {
	key, _ := StorageKeys("tester")

	t.Run("retains most recent messages in order", func(t *testing.T) {
		store := kvstore.NewMemory()
		l := loadLog(store, key, 5, zap.NewNop(), 1)
		for i := 0; i < 12; i++ {
			l.append(readyMessage(fmt.Sprintf("m%d", i), RoleUser, fmt.Sprintf("msg %d", i), int64(i+10)))
		}

		msgs := l.snapshot()
		require.Len(t, msgs, 5)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("m%d", i+7), m.ID, "order preserved after trim")
		}
	})

	t.Run("pending messages are pinned", func(t *testing.T) {
		store := kvstore.NewMemory()
		l := loadLog(store, key, 3, zap.NewNop(), 1)
		l.append(
			readyMessage("u1", RoleUser, "first", 10),
			ConversationMessage{ID: "p1", Role: RoleAssistant, Content: PendingPlaceholder, Status: StatusPending, CreatedAt: 11},
			readyMessage("u2", RoleUser, "second", 12),
			readyMessage("a2", RoleAssistant, "reply", 13),
			readyMessage("u3", RoleUser, "third", 14),
		)

		msgs := l.snapshot()
		require.Len(t, msgs, 3)
		assert.Equal(t, "p1", msgs[0].ID, "pending survives head trimming")
		assert.Equal(t, "a2", msgs[1].ID)
		assert.Equal(t, "u3", msgs[2].ID)
	})

	t.Run("trim persists", func(t *testing.T) {
		store := kvstore.NewMemory()
		l := loadLog(store, key, 2, zap.NewNop(), 1)
		l.append(
			readyMessage("a", RoleUser, "one", 10),
			readyMessage("b", RoleAssistant, "two", 11),
			readyMessage("c", RoleUser, "three", 12),
		)

		reloaded := loadLog(store, key, 2, zap.NewNop(), 1)
		msgs := reloaded.snapshot()
		require.Len(t, msgs, 2)
		assert.Equal(t, "b", msgs[0].ID)
		assert.Equal(t, "c", msgs[1].ID)
	})
}

func TestLogUpdate(t *testing.T) {
	key, _ := StorageKeys("tester")

	t.Run("applies transform to matching id", func(t *testing.T) {
		store := kvstore.NewMemory()
		l := loadLog(store, key, 10, zap.NewNop(), 1)
		l.append(ConversationMessage{ID: "p1", Role: RoleAssistant, Content: PendingPlaceholder, Status: StatusPending, CreatedAt: 5})

		ok := l.update("p1", func(m ConversationMessage) ConversationMessage {
			m.Status = StatusReady
			m.Content = "done"
			return m
		})
		require.True(t, ok)

		msg, found := l.find("p1")
		require.True(t, found)
		assert.Equal(t, StatusReady, msg.Status)
		assert.Equal(t, "done", msg.Content)
	})

	t.Run("no-op for absent id", func(t *testing.T) {
		l := loadLog(kvstore.NewMemory(), key, 10, zap.NewNop(), 1)
		before := l.snapshot()
		ok := l.update("nope", func(m ConversationMessage) ConversationMessage {
			m.Content = "changed"
			return m
		})
		assert.False(t, ok)
		assert.Equal(t, before, l.snapshot())
	})

	t.Run("snapshot is isolated from later mutations", func(t *testing.T) {
		l := loadLog(kvstore.NewMemory(), key, 10, zap.NewNop(), 1)
		l.append(readyMessage("a", RoleUser, "hello", 5))
		snap := l.snapshot()
		l.update("a", func(m ConversationMessage) ConversationMessage {
			m.Content = "mutated"
			return m
		})
		assert.Equal(t, "hello", snap[len(snap)-1].Content)
	})
}

func TestContextWindow(t *testing.T) {
	msgs := []ConversationMessage{
		readyMessage("1", RoleUser, "one", 1),
		readyMessage("2", RoleAssistant, "two", 2),
		{ID: "3", Role: RoleAssistant, Content: "broken", Status: StatusError, CreatedAt: 3},
		readyMessage("4", RoleUser, "four", 4),
		{ID: "5", Role: RoleAssistant, Content: PendingPlaceholder, Status: StatusPending, CreatedAt: 5},
		readyMessage("6", RoleAssistant, "six", 6),
	}

	t.Run("includes only ready messages", func(t *testing.T) {
		window := contextWindow(msgs, 10)
		require.Len(t, window, 4)
		for i, content := range []string{"one", "two", "four", "six"} {
			assert.Equal(t, content, window[i].Content)
		}
	})

	t.Run("caps at the most recent", func(t *testing.T) {
		window := contextWindow(msgs, 2)
		require.Len(t, window, 2)
		assert.Equal(t, "four", window[0].Content)
		assert.Equal(t, "six", window[1].Content)
	})
}
