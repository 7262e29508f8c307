// Package store implements durable, file-backed persistence for chat
// sessions. Each session is written as one JSON file per calendar day; a
// small manifest records which file is current for each session id, making
// the "latest file wins" resolution an explicit, tested policy rather than
// an accident of modification times.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"proxychat/internal/logger"
	"proxychat/internal/testutils"
	"proxychat/pkg/agenttypes"
)

const (
	// fileInfix separates the sanitized session id from the day stamp in
	// session file names: <id>_memory<YYYYMMDD>.json.
	fileInfix = "_memory"

	manifestName = "manifest.json"

	dayStampLayout = "20060102"
)

// SessionStore owns the on-disk session files under a single directory. The
// Session values it returns are detached copies: callers mutate them freely
// and must call Save explicitly for persistence.
type SessionStore struct {
	dir    string
	logger *log.Logger
}

// manifest maps session id to the file name that currently holds the
// session's authoritative state. Files from earlier days stay on disk as
// orphans once a newer day's file supersedes them.
type manifest struct {
	Sessions map[string]string `json:"sessions"`
}

// NewSessionStore creates a session store rooted at dir, creating the
// directory if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &SessionStore{
		dir:    dir,
		logger: logger.NewStyledLogger("Store"),
	}, nil
}

// Dir returns the directory the store writes to.
func (s *SessionStore) Dir() string {
	return s.dir
}

// sanitizeID strips a session id down to the characters allowed in file
// names: letters, digits, hyphen and underscore.
func sanitizeID(sessionID string) string {
	var b strings.Builder
	for _, ch := range sessionID {
		if ch == '-' || ch == '_' ||
			(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// todayFileName returns the file name a save performed right now would use.
func (s *SessionStore) todayFileName(sessionID string) string {
	day := testutils.GetCurrentTime().Format(dayStampLayout)
	return sanitizeID(sessionID) + fileInfix + day + ".json"
}

// List returns identity and timestamps for every session found in the storage
// directory, most recently updated first. Files that cannot be read or parsed
// are skipped silently; when several files carry the same session id, the one
// with the latest modification time wins.
func (s *SessionStore) List() []agenttypes.SessionInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("Failed to scan session directory", "dir", s.dir, "error", err)
		return nil
	}

	type candidate struct {
		info    agenttypes.SessionInfo
		modTime int64
	}
	best := make(map[string]candidate)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || !strings.Contains(name, fileInfix) {
			continue
		}

		path := filepath.Join(s.dir, name)
		session, err := readSessionFile(path)
		if err != nil {
			s.logger.Debug("Skipping unreadable session file", "file", name, "error", err)
			continue
		}
		if session.SessionID == "" {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}

		cand := candidate{
			info: agenttypes.SessionInfo{
				SessionID: session.SessionID,
				Title:     session.Title,
				CreatedAt: session.CreatedAt,
				UpdatedAt: session.UpdatedAt,
			},
			modTime: fi.ModTime().UnixNano(),
		}
		if prev, ok := best[session.SessionID]; !ok || cand.modTime > prev.modTime {
			best[session.SessionID] = cand
		}
	}

	out := make([]agenttypes.SessionInfo, 0, len(best))
	for _, c := range best {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}

// Load returns the persisted session for the given id, or a fresh empty
// session when no file exists or the existing file cannot be used. Load never
// fails: any read or parse error degrades to "treat as new session".
func (s *SessionStore) Load(sessionID string) *agenttypes.Session {
	if path := s.currentFile(sessionID); path != "" {
		session, err := readSessionFile(path)
		if err == nil && session.SessionID == sessionID {
			session.FilePath = path
			s.logger.Debug("Session loaded", "session_id", sessionID, "file", filepath.Base(path))
			return session
		}
		if err != nil {
			s.logger.Warn("Session file unusable, starting fresh", "session_id", sessionID, "error", err)
		}
	}

	now := testutils.GetCurrentTime().Format(agenttypes.TimestampLayout)
	return &agenttypes.Session{
		SessionID:      sessionID,
		Title:          "",
		CreatedAt:      now,
		UpdatedAt:      now,
		History:        make(map[string]*agenttypes.Turn),
		HistorySummary: "",
		FilePath:       filepath.Join(s.dir, s.todayFileName(sessionID)),
	}
}

// Save writes the full session to the file for the current calendar day and
// points the manifest at it. Saving on a new day leaves the previous day's
// file in place as an orphan; it is superseded for Load purposes but not
// deleted.
func (s *SessionStore) Save(session *agenttypes.Session) (string, error) {
	if strings.TrimSpace(session.SessionID) == "" {
		return "", fmt.Errorf("session_id is required")
	}

	path := filepath.Join(s.dir, s.todayFileName(session.SessionID))
	session.FilePath = path

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session %s: %w", session.SessionID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write session %s: %w", session.SessionID, err)
	}

	s.updateManifest(func(m *manifest) {
		m.Sessions[session.SessionID] = filepath.Base(path)
	})

	s.logger.Debug("Session saved", "session_id", session.SessionID, "file", filepath.Base(path))
	return path, nil
}

// Delete removes every daily file carrying the session id and drops the
// manifest entry, so a later Load cannot resurrect an orphan from an earlier
// day. Deleting a session with no backing files is a no-op.
func (s *SessionStore) Delete(sessionID string) error {
	s.updateManifest(func(m *manifest) {
		delete(m.Sessions, sessionID)
	})

	prefix := sanitizeID(sessionID) + fileInfix
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan session directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
		}
		s.logger.Debug("Session file deleted", "session_id", sessionID, "file", name)
	}
	return nil
}

// SetTitleIfEmpty derives the session title from the given text when no title
// is set yet. The title is the text collapsed to single spaces, truncated to
// 60 characters with an ellipsis, defaulting to "Untitled" when empty.
func (s *SessionStore) SetTitleIfEmpty(session *agenttypes.Session, text string) {
	if strings.TrimSpace(session.Title) != "" {
		return
	}

	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > 60 {
		title = strings.TrimRight(string(runes[:60]), " ") + "…"
	}
	if title == "" {
		title = "Untitled"
	}
	session.Title = title
}

// currentFile resolves the file that holds the session's authoritative state:
// the manifest entry when it points at an existing file, otherwise the most
// recently modified file whose name embeds the id. Returns "" when none exist.
func (s *SessionStore) currentFile(sessionID string) string {
	if name, ok := s.readManifest().Sessions[sessionID]; ok {
		path := filepath.Join(s.dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return s.latestFileByScan(sessionID)
}

// latestFileByScan is the fallback resolution for directories that predate
// the manifest: newest matching file by modification time.
func (s *SessionStore) latestFileByScan(sessionID string) string {
	prefix := sanitizeID(sessionID) + fileInfix
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}

	var bestPath string
	var bestMod int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := fi.ModTime().UnixNano(); bestPath == "" || mod > bestMod {
			bestPath = filepath.Join(s.dir, name)
			bestMod = mod
		}
	}
	return bestPath
}

func (s *SessionStore) manifestPath() string {
	return filepath.Join(s.dir, manifestName)
}

func (s *SessionStore) readManifest() manifest {
	m := manifest{Sessions: make(map[string]string)}
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil || m.Sessions == nil {
		// A corrupt manifest is rebuilt incrementally by subsequent saves;
		// reads fall back to the mtime scan in the meantime.
		return manifest{Sessions: make(map[string]string)}
	}
	return m
}

func (s *SessionStore) updateManifest(mutate func(*manifest)) {
	m := s.readManifest()
	mutate(&m)
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.manifestPath(), data, 0o644); err != nil {
		s.logger.Warn("Failed to write session manifest", "error", err)
	}
}

func readSessionFile(path string) (*agenttypes.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session agenttypes.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", filepath.Base(path), err)
	}
	if session.History == nil {
		session.History = make(map[string]*agenttypes.Turn)
	}
	return &session, nil
}
