// Package history reads the LLM-CLI's on-disk conversation files. The files
// are append-only JSON lines owned by the CLI; this package only indexes and
// slices them, it never writes.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/codeready-toolchain/gantry/pkg/config"
	"github.com/codeready-toolchain/gantry/pkg/models"
)

// ErrConversationNotFound means no history file exists for the session id.
var ErrConversationNotFound = errors.New("conversation not found")

const (
	// maxLineBytes bounds a single history line; matches the subprocess
	// stream limit.
	maxLineBytes = 1024 * 1024

	// previewLimit caps the preview text carried in a conversation listing.
	previewLimit = 100
)

// Store resolves and reads the per-workdir conversation directories.
type Store struct {
	logger *slog.Logger
	root   string
}

// NewStore builds a store rooted at cfg.Root, defaulting to
// ~/.claude/projects.
func NewStore(cfg config.HistoryConfig, logger *slog.Logger) *Store {
	root := cfg.Root
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".claude", "projects")
		}
	}
	return &Store{
		logger: logger.With("component", "history"),
		root:   root,
	}
}

// SanitizeWorkdir maps a working directory onto its history directory name:
// every path separator becomes a dash.
func SanitizeWorkdir(workdir string) string {
	return strings.ReplaceAll(workdir, "/", "-")
}

// Dir returns the conversation directory for a working directory.
func (s *Store) Dir(workdir string) string {
	return filepath.Join(s.root, SanitizeWorkdir(workdir))
}

// List enumerates the conversations recorded for a working directory, newest
// first. A missing directory is an empty listing, not an error. Files that
// cannot be summarized are skipped with a log line; one corrupt file must not
// hide the rest.
func (s *Store) List(workdir string) ([]models.ConversationSummary, error) {
	dir := s.Dir(workdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.ConversationSummary{}, nil
		}
		return nil, fmt.Errorf("read history dir %s: %w", dir, err)
	}

	summaries := make([]models.ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		summary, err := s.summarize(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable history file",
				"file", entry.Name(), "error", err)
			continue
		}
		if summary.SessionID == "" {
			summary.SessionID = strings.TrimSuffix(entry.Name(), ".jsonl")
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp > summaries[j].Timestamp
	})
	return summaries, nil
}

// Load returns the event lines to replay for one conversation. The slice
// starts at the second-to-last external user message so very long
// conversations replay a bounded tail while keeping the branching context;
// with fewer than two external user lines the whole file is returned.
func (s *Store) Load(workdir, sessionID string) ([]json.RawMessage, error) {
	path := filepath.Join(s.Dir(workdir), sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("conversation %s: %w", sessionID, ErrConversationNotFound)
		}
		return nil, fmt.Errorf("open conversation %s: %w", sessionID, err)
	}
	defer f.Close()

	var (
		lines   []json.RawMessage
		markers []int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if isExternalUserLine(line) {
			markers = append(markers, len(lines))
		}
		dup := make(json.RawMessage, len(line))
		copy(dup, line)
		lines = append(lines, dup)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", sessionID, err)
	}

	start := 0
	if len(markers) >= 2 {
		start = markers[len(markers)-2]
	}
	return lines[start:], nil
}

// summarize reads one file's metadata line, counts its events and extracts
// the last user message as a preview.
func (s *Store) summarize(path string) (models.ConversationSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	defer f.Close()

	var summary models.ConversationSummary
	var lastUser []byte
	first := true
	count := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		count++
		if first {
			first = false
			var meta struct {
				SessionID string `json:"sessionId"`
				Cwd       string `json:"cwd"`
				GitBranch string `json:"gitBranch"`
				Timestamp string `json:"timestamp"`
			}
			if err := json.Unmarshal(line, &meta); err == nil {
				summary.SessionID = meta.SessionID
				summary.Cwd = meta.Cwd
				summary.GitBranch = meta.GitBranch
				summary.Timestamp = meta.Timestamp
			}
		}
		if bytes.Contains(line, []byte(`"type":"user"`)) {
			lastUser = append(lastUser[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return models.ConversationSummary{}, err
	}
	if count == 0 {
		return models.ConversationSummary{}, errors.New("empty history file")
	}

	summary.EventLen = count
	if lastUser != nil {
		summary.Preview = previewFromLine(lastUser)
	}
	return summary, nil
}

func isExternalUserLine(line []byte) bool {
	return bytes.Contains(line, []byte(`"type":"user"`)) &&
		bytes.Contains(line, []byte(`"userType":"external"`))
}

// previewFromLine pulls the user text out of a history line. The message
// content is either a plain string or an array of content blocks.
func previewFromLine(line []byte) string {
	var ev struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &ev); err != nil || len(ev.Message.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(ev.Message.Content, &text); err != nil {
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Message.Content, &blocks); err != nil {
			return ""
		}
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				text = b.Text
				break
			}
		}
	}

	text = strings.TrimSpace(text)
	if len(text) > previewLimit {
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
