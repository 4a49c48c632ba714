package bus

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirBus_CrossInstanceDelivery(t *testing.T) {
	dir := t.TempDir()

	a, err := OpenDir(dir, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenDir(dir, "b")
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var gotA, gotB []Message
	_, err = a.Subscribe(topic, func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		gotA = append(gotA, m)
	})
	require.NoError(t, err)
	_, err = b.Subscribe(topic, func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		gotB = append(gotB, m)
	})
	require.NoError(t, err)

	require.NoError(t, a.Publish(topic, Message{Type: SessionStart, SessionID: "s-1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a", gotB[0].From)
	assert.Equal(t, "s-1", gotB[0].SessionID)
	assert.Empty(t, gotA, "sender never receives its own message")
}

func TestDirBus_PrunesExpiredMessages(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenDir(dir, "a", WithRetention(time.Minute))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Publish(topic, Message{Type: Heartbeat}))
	spool := filepath.Join(dir, sanitize(topic))
	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(spool, entries[0].Name()), old, old))

	require.NoError(t, b.Publish(topic, Message{Type: Heartbeat}))
	entries, err = os.ReadDir(spool)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirBus_Closed(t *testing.T) {
	b, err := OpenDir(t.TempDir(), "a")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(topic, Message{}), ErrClosed)
	_, err = b.Subscribe(topic, func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}
