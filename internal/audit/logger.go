package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPath is where the controller writes its audit trail.
const DefaultPath = "/var/log/tb-recovery/audit.log"

// Logger writes append-only, hash-chained entries to a JSON-lines file.
// A nil *Logger discards everything.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// NewLogger opens (or creates) the audit log at path. The directory is
// created with 0700 and the file with 0600. The last entry's hash is read
// back so the chain continues across restarts.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	prevHash := ""
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := splitLines(data)
		for i := len(lines) - 1; i >= 0; i-- {
			if len(lines[i]) == 0 {
				continue
			}
			var entry Entry
			if json.Unmarshal(lines[i], &entry) == nil {
				prevHash = entry.EntryHash
			}
			break
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	return &Logger{file: f, prevHash: prevHash}, nil
}

// Log appends entry with its chain hash: SHA256(prevHash + entry JSON without hash).
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	hash, err := chainHash(l.prevHash, entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash
	l.prevHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal final: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Verify re-computes the chain of the file at path and returns the number
// of entries, or an error naming the first broken entry.
func Verify(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("audit: read %s: %w", path, err)
	}
	prevHash := ""
	count := 0
	for _, ln := range splitLines(data) {
		if len(ln) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(ln, &entry); err != nil {
			return count, fmt.Errorf("audit: entry %d: %w", count, err)
		}
		want, err := chainHash(prevHash, entry)
		if err != nil {
			return count, err
		}
		if entry.EntryHash != want {
			return count, fmt.Errorf("audit: entry %d: chain broken", count)
		}
		prevHash = entry.EntryHash
		count++
	}
	return count, nil
}

func chainHash(prevHash string, entry Entry) (string, error) {
	entry.EntryHash = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(prevHash), raw...))
	return fmt.Sprintf("%x", h), nil
}

// splitLines splits data into JSON-lines.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
