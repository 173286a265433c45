// Package auditlog appends human-readable action lines to the durable log
// file and reads them back for display.
package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPath is the well-known location of the action log.
const DefaultPath = "/var/log/droidnet.log"

const (
	dateLayout = "Mon, Jan 2"
	timeLayout = "03:04 PM"
)

// ErrEmpty is returned by Read when the log holds no entries.
var ErrEmpty = errors.New("log is empty")

// Direction orders the lines returned by Read.
type Direction string

const (
	// Down lists the oldest entry first.
	Down Direction = "down"
	// Up lists the newest entry first.
	Up Direction = "up"
)

// ParseDirection maps a query value to a Direction; empty means Down.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Down:
		return Down, nil
	case Up:
		return Up, nil
	default:
		return "", errors.Errorf("unknown direction %q", raw)
	}
}

// Entry is one audit line.
type Entry struct {
	Time       time.Time
	Message    string
	Diagnostic string
}

// Line renders the entry as `<date>, <time> - <message>[ : <diagnostic>]`.
// Multi-line text is folded so every entry stays on one physical line.
func (e Entry) Line() string {
	line := e.Time.Format(dateLayout) + ", " + e.Time.Format(timeLayout) + " - " + fold(e.Message)
	if diag := fold(e.Diagnostic); diag != "" {
		line += " : " + diag
	}
	return line
}

// fold joins the non-blank lines of text with " | ".
func fold(text string) string {
	parts := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' })
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " | ")
}

// Log appends entries to a plain-text file.
type Log struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// Option customises a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Log at path; empty means DefaultPath.
func New(path string, opts ...Option) *Log {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	l := &Log{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append records message (and an optional diagnostic) stamped with the
// current time. The existing content is kept verbatim as a prefix.
func (l *Log) Append(message, diagnostic string) (Entry, error) {
	entry := Entry{Time: l.now(), Message: message, Diagnostic: diagnostic}
	l.mu.Lock()
	defer l.mu.Unlock()

	prior, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return entry, errors.Wrapf(err, "read log %s", l.path)
	}
	content := make([]byte, 0, len(prior)+len(entry.Line())+2)
	content = append(content, prior...)
	if len(prior) > 0 && prior[len(prior)-1] != '\n' {
		content = append(content, '\n')
	}
	content = append(content, entry.Line()...)
	content = append(content, '\n')

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return entry, errors.Wrapf(err, "create log dir %s", dir)
		}
	}
	if err := os.WriteFile(l.path, content, 0o644); err != nil {
		return entry, errors.Wrapf(err, "write log %s", l.path)
	}
	log.Debug().Str("path", l.path).Str("message", message).Msg("audit entry appended")
	return entry, nil
}

// Read returns the non-blank log lines in the requested order.
func (l *Log) Read(direction Direction) ([]string, error) {
	l.mu.Lock()
	raw, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmpty
		}
		return nil, errors.Wrapf(err, "read log %s", l.path)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, ErrEmpty
	}
	if direction == Up {
		for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
			lines[i], lines[j] = lines[j], lines[i]
		}
	}
	return lines, nil
}
