package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxLogSize triggers a size rollover before the daily one does
// on busy days.
const DefaultMaxLogSize = 64 << 20 // 64 MiB

// Log is the durable append-only JSONL event log. One file per day,
// with a size rollover suffix; a single writer owns the open file.
// The log is the replay source for the materializer and for WS clients
// that fall behind.
type Log struct {
	mu      sync.Mutex
	dir     string
	maxSize int64

	file    *os.File
	written int64
	day     string
	part    int
}

// OpenLog creates the events directory if needed and prepares the writer.
// The file itself is opened lazily on first append.
func OpenLog(dir string, maxSize int64) (*Log, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &Log{dir: dir, maxSize: maxSize}, nil
}

// filename always carries the zero-padded part suffix so lexical order
// of the directory listing equals chronological order. scan depends on
// that: seq is assigned monotonically by a single writer, so ordered
// files mean ordered events.
func (l *Log) filename(day string, part int) string {
	return filepath.Join(l.dir, fmt.Sprintf("events-%s.%03d.jsonl", day, part))
}

// rotateLocked opens the file for the current day/part, rolling over by
// day change or size. Caller holds l.mu.
func (l *Log) rotateLocked(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	switch {
	case l.file == nil, l.day != day:
		l.day = day
		l.part = l.latestPart(day)
	case l.written >= l.maxSize:
		l.part++
	default:
		return nil
	}

	if l.file != nil {
		l.file.Close()
	}
	name := l.filename(l.day, l.part)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.written = info.Size()
	return nil
}

// latestPart returns the highest existing rollover part for the day, so
// a restarted process appends after the previous tail instead of
// reopening an already-full early part.
func (l *Log) latestPart(day string) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	prefix := "events-" + day + "."
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		part, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".jsonl"))
		if err == nil && part > max {
			max = part
		}
	}
	return max
}

// Append writes one envelope as a single JSONL line, synchronously.
func (l *Log) Append(e *Event) error {
	line, err := e.JSON()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(time.Now()); err != nil {
		return err
	}
	n, err := l.file.Write(append(line, '\n'))
	l.written += int64(n)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// files returns all log files in chronological order; see filename for
// why a plain string sort is sufficient.
func (l *Log) files() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "events-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadRange returns events with fromSeq <= seq <= toSeq in seq order.
// toSeq <= 0 means "to the end". Serves the HTTP replay window and WS
// resume.
func (l *Log) ReadRange(fromSeq, toSeq int64) ([]*Event, error) {
	var out []*Event
	err := l.scan(func(e *Event) bool {
		if e.Seq >= fromSeq && (toSeq <= 0 || e.Seq <= toSeq) {
			out = append(out, e)
		}
		return toSeq <= 0 || e.Seq < toSeq
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ReadFrom streams every event with seq > checkpoint to fn in log order.
// The operator replay tool drives the materializer through this.
func (l *Log) ReadFrom(checkpoint int64, fn func(*Event) error) error {
	var ferr error
	err := l.scan(func(e *Event) bool {
		if e.Seq <= checkpoint {
			return true
		}
		if ferr = fn(e); ferr != nil {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return ferr
}

// MaxSeq scans for the highest sequence number on disk, used to resume
// the bus counter across restarts.
func (l *Log) MaxSeq() (int64, error) {
	var max int64
	err := l.scan(func(e *Event) bool {
		if e.Seq > max {
			max = e.Seq
		}
		return true
	})
	return max, err
}

// scan walks every line of every file. Malformed lines are skipped: a
// torn final line after a crash must not poison replay.
func (l *Log) scan(fn func(*Event) bool) error {
	files, err := l.files()
	if err != nil {
		return err
	}
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for sc.Scan() {
			var e Event
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				continue
			}
			if !fn(&e) {
				f.Close()
				return nil
			}
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return fmt.Errorf("scan %s: %w", name, err)
		}
		f.Close()
	}
	return nil
}
