package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychat/internal/testutils"
	"proxychat/pkg/agenttypes"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	testutils.SetTestMode(true)
	testutils.ResetTestCounters()
	t.Cleanup(func() { testutils.SetTestMode(false) })

	store, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func newSession(id string) *agenttypes.Session {
	now := testutils.GetCurrentTime().Format(agenttypes.TimestampLayout)
	return &agenttypes.Session{
		SessionID: id,
		CreatedAt: now,
		UpdatedAt: now,
		History:   make(map[string]*agenttypes.Turn),
	}
}

func TestSessionStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	session := newSession("alpha")
	session.Title = "First chat"
	session.History["1"] = &agenttypes.Turn{UserText: "hello", AssistantText: "hi"}
	session.HistorySummary = "greeting exchange"

	path, err := store.Save(session)
	require.NoError(t, err)
	assert.Equal(t, path, session.FilePath)
	assert.Contains(t, filepath.Base(path), "alpha_memory")
	assert.Contains(t, filepath.Base(path), "20250101")

	loaded := store.Load("alpha")
	assert.Equal(t, "alpha", loaded.SessionID)
	assert.Equal(t, "First chat", loaded.Title)
	assert.Equal(t, "greeting exchange", loaded.HistorySummary)
	require.Contains(t, loaded.History, "1")
	assert.Equal(t, "hello", loaded.History["1"].UserText)
	assert.Equal(t, path, loaded.FilePath)
}

func TestSessionStore_SaveRequiresSessionID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save(newSession(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id is required")

	_, err = store.Save(newSession("   "))
	require.Error(t, err)
}

func TestSessionStore_SanitizesFileNames(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Save(newSession("week/../ly RE:port"))
	require.NoError(t, err)
	assert.Equal(t, store.Dir(), filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "weeklyREport_memory")
}

func TestSessionStore_LoadMissingReturnsFreshSession(t *testing.T) {
	store := newTestStore(t)

	session := store.Load("never-saved")
	assert.Equal(t, "never-saved", session.SessionID)
	assert.Empty(t, session.Title)
	assert.Empty(t, session.History)
	assert.Empty(t, session.HistorySummary)
	assert.NotEmpty(t, session.CreatedAt)
}

func TestSessionStore_LoadCorruptFileReturnsFreshSession(t *testing.T) {
	store := newTestStore(t)

	session := newSession("beta")
	path, err := store.Save(session)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	loaded := store.Load("beta")
	assert.Equal(t, "beta", loaded.SessionID)
	assert.Empty(t, loaded.History)
}

func TestSessionStore_LoadPrefersLatestFile(t *testing.T) {
	store := newTestStore(t)

	// Two day-stamped files for the same session id, no manifest: the one
	// with the newer modification time wins.
	old := newSession("gamma")
	old.Title = "old day"
	oldData, err := json.Marshal(old)
	require.NoError(t, err)
	oldPath := filepath.Join(store.Dir(), "gamma_memory20240101.json")
	require.NoError(t, os.WriteFile(oldPath, oldData, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	current := newSession("gamma")
	current.Title = "new day"
	currentData, err := json.Marshal(current)
	require.NoError(t, err)
	currentPath := filepath.Join(store.Dir(), "gamma_memory20240102.json")
	require.NoError(t, os.WriteFile(currentPath, currentData, 0o644))

	loaded := store.Load("gamma")
	assert.Equal(t, "new day", loaded.Title)
	assert.Equal(t, currentPath, loaded.FilePath)
}

func TestSessionStore_ManifestPointsAtCurrentFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Save(newSession("delta"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(), manifestName))
	require.NoError(t, err)

	var m manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m.Sessions["delta"], "delta_memory")
}

func TestSessionStore_LoadSurvivesCorruptManifest(t *testing.T) {
	store := newTestStore(t)

	session := newSession("epsilon")
	session.Title = "kept"
	_, err := store.Save(session)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), manifestName), []byte("oops"), 0o644))

	loaded := store.Load("epsilon")
	assert.Equal(t, "kept", loaded.Title)
}

func TestSessionStore_List(t *testing.T) {
	store := newTestStore(t)

	first := newSession("first")
	first.Title = "First"
	first.UpdatedAt = "2025-01-01 10:00:00"
	_, err := store.Save(first)
	require.NoError(t, err)

	second := newSession("second")
	second.Title = "Second"
	second.UpdatedAt = "2025-01-02 10:00:00"
	_, err = store.Save(second)
	require.NoError(t, err)

	// Malformed files never surface in listings.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "bad_memory20250101.json"), []byte("nope"), 0o644))

	infos := store.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "second", infos[0].SessionID)
	assert.Equal(t, "first", infos[1].SessionID)
	assert.Equal(t, "Second", infos[0].Title)
}

func TestSessionStore_ListEmptyDirectory(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.List())
}

func TestSessionStore_Delete(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Save(newSession("zeta"))
	require.NoError(t, err)

	require.NoError(t, store.Delete("zeta"))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, store.List())

	// Deleting again is a no-op.
	require.NoError(t, store.Delete("zeta"))
}

func TestSessionStore_DeleteRemovesEarlierDayFiles(t *testing.T) {
	store := newTestStore(t)

	old := newSession("eta")
	old.Title = "older chat"
	old.History["1"] = &agenttypes.Turn{UserText: "hi", AssistantText: "hello"}
	oldData, err := json.Marshal(old)
	require.NoError(t, err)
	oldPath := filepath.Join(store.Dir(), "eta_memory20240101.json")
	require.NoError(t, os.WriteFile(oldPath, oldData, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	newest, err := store.Save(newSession("eta"))
	require.NoError(t, err)

	require.NoError(t, store.Delete("eta"))

	_, statErr := os.Stat(newest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(statErr), "earlier-day file must not survive a delete")

	// The mtime-scan fallback has nothing to resurrect: the session starts over.
	fresh := store.Load("eta")
	assert.Empty(t, fresh.Title)
	assert.Empty(t, fresh.History)
}

func TestSessionStore_SetTitleIfEmpty(t *testing.T) {
	store := newTestStore(t)

	t.Run("collapses whitespace", func(t *testing.T) {
		session := newSession("t1")
		store.SetTitleIfEmpty(session, "  hello\n\tworld  ")
		assert.Equal(t, "hello world", session.Title)
	})

	t.Run("truncates long text with ellipsis", func(t *testing.T) {
		session := newSession("t2")
		long := ""
		for i := 0; i < 20; i++ {
			long += "abcdefghij"
		}
		store.SetTitleIfEmpty(session, long)
		runes := []rune(session.Title)
		assert.Equal(t, 61, len(runes))
		assert.Equal(t, '…', runes[60])
	})

	t.Run("empty text defaults to Untitled", func(t *testing.T) {
		session := newSession("t3")
		store.SetTitleIfEmpty(session, "   ")
		assert.Equal(t, "Untitled", session.Title)
	})

	t.Run("existing title untouched", func(t *testing.T) {
		session := newSession("t4")
		session.Title = "already set"
		store.SetTitleIfEmpty(session, "new text")
		assert.Equal(t, "already set", session.Title)
	})
}
