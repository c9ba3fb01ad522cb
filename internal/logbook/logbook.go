// Package logbook writes journey.log, the session journal players and
// operators read back: quests starting and stopping, stages finishing and
// every decision a vote reached.
package logbook

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind tags a journal entry.
type Kind string

const (
	KindInfo  Kind = "INFO"
	KindWarn  Kind = "WARN"
	KindError Kind = "ERROR"
	// KindVote marks a decision reached by a vote.
	KindVote Kind = "VOTE"
)

// DefaultMemory is how many recent entries Tail can return.
const DefaultMemory = 200

// Logbook appends entries to its file and remembers the most recent ones, so
// the console can redraw without rereading the file.
type Logbook struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	now    func() time.Time
	memory int
	recent []string
	total  int
}

// Option customises a Logbook.
type Option func(*Logbook)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logbook) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMemory sets how many recent entries are kept for Tail.
func WithMemory(n int) Option {
	return func(l *Logbook) {
		if n > 0 {
			l.memory = n
		}
	}
}

// New opens the journal at path, creating it when missing. Entries already in
// the file count towards the total and seed the recent window.
func New(path string, opts ...Option) (*Logbook, error) {
	l := &Logbook{path: path, now: time.Now, memory: DefaultMemory}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: create %s: %w", filepath.Dir(path), err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbook: open %s: %w", path, err)
	}
	l.file = file
	return l, nil
}

func (l *Logbook) load() error {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("logbook: read %s: %w", l.path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		l.remember(scanner.Text())
	}
	return scanner.Err()
}

// remember adds line to the recent window. Callers hold mu or own l.
func (l *Logbook) remember(line string) {
	l.total++
	l.recent = append(l.recent, line)
	if over := len(l.recent) - l.memory; over > 0 {
		l.recent = append(l.recent[:0], l.recent[over:]...)
	}
}

// Path returns the journal file.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record writes one entry. Write failures are dropped; the journal is a
// convenience next to the structured log.
func (l *Logbook) Record(kind Kind, text string) {
	if l == nil {
		return
	}
	line := l.now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf("%-5s", kind) + " " + strings.TrimSpace(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remember(line)
	if l.file != nil {
		_, _ = l.file.WriteString(line + "\n")
	}
}

// Tail returns up to n of the most recent entries, oldest first, and the
// number of entries in the journal.
func (l *Logbook) Tail(n int) ([]string, int) {
	if l == nil {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || len(l.recent) == 0 {
		return nil, l.total
	}
	start := max(len(l.recent)-n, 0)
	return append([]string(nil), l.recent[start:]...), l.total
}

// Close releases the file. Later entries are only kept in memory.
func (l *Logbook) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logbook) Info(format string, args ...any) {
	l.Record(KindInfo, fmt.Sprintf(format, args...))
}

func (l *Logbook) Warn(format string, args ...any) {
	l.Record(KindWarn, fmt.Sprintf(format, args...))
}

func (l *Logbook) Error(format string, args ...any) {
	l.Record(KindError, fmt.Sprintf(format, args...))
}

// Decision records that module settled question with decision.
func (l *Logbook) Decision(question, decision, module string) {
	l.Record(KindVote, fmt.Sprintf("%q -> %q (%s)", question, decision, module))
}
