package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log writes structured JSONL records for one upload.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

type record struct {
	Timestamp  string            `json:"ts"`
	Event      string            `json:"event"`
	SessionID  string            `json:"session_id"`
	Badge      string            `json:"badge"`
	Words      []string          `json:"words,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Hypothesis string            `json:"hypothesis,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Open creates a log under outputDir named after the start time, badge and
// short session id.
func Open(outputDir, badge, sessionID string, started time.Time) (*Log, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript dir: %w", err)
	}

	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	name := fmt.Sprintf("%s_%s_%s.jsonl", started.Format("20060102_150405"), sanitize(badge), shortID)
	path := filepath.Join(outputDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript log: %w", err)
	}
	return &Log{file: f, path: path}, nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Log) write(rec record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	rec.Hypothesis = strings.TrimSpace(rec.Hypothesis)
	_ = json.NewEncoder(l.file).Encode(rec)
}

func (l *Log) LogStart(sessionID, badge string, started time.Time, details map[string]string) {
	l.write(record{Timestamp: started.Format(time.RFC3339Nano), Event: "upload_start", SessionID: sessionID, Badge: badge, Details: details})
}

func (l *Log) LogFinal(sessionID, badge, text string) {
	l.write(record{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "final", SessionID: sessionID, Badge: badge, Hypothesis: text})
}

func (l *Log) LogSpan(sessionID, badge string, words []string, reason string) {
	l.write(record{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "span", SessionID: sessionID, Badge: badge, Words: words, Reason: reason})
}

func (l *Log) LogEnd(sessionID, badge string, ended time.Time, reason string) {
	l.write(record{Timestamp: ended.Format(time.RFC3339Nano), Event: "upload_end", SessionID: sessionID, Badge: badge, Details: map[string]string{"reason": reason}})
}

func sanitize(badge string) string {
	return strings.NewReplacer(":", "-", "/", "-", "\\", "-").Replace(badge)
}
