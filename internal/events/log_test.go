package events

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, maxSize int64) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := OpenLog(dir, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		e := New(KindRunStep, "conv-1", "", map[string]interface{}{"order": i})
		e.Seq = int64(i)
		require.NoError(t, l.Append(e))
	}
}

func TestAppendAndReadRange(t *testing.T) {
	l, _ := newTestLog(t, 0)
	appendN(t, l, 5)

	got, err := l.ReadRange(2, 4)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(4), got[2].Seq)

	// Open upper bound reads to the end.
	all, err := l.ReadRange(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMaxSeq(t *testing.T) {
	l, _ := newTestLog(t, 0)

	max, err := l.MaxSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	appendN(t, l, 7)
	max, err = l.MaxSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(7), max)
}

func TestReadFromCheckpoint(t *testing.T) {
	l, _ := newTestLog(t, 0)
	appendN(t, l, 5)

	var seen []int64
	err := l.ReadFrom(3, func(e *Event) error {
		seen = append(seen, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, seen)
}

func TestSizeRollover(t *testing.T) {
	l, dir := newTestLog(t, 200)
	appendN(t, l, 10)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "small maxSize should force a part rollover")

	// Every event survives across parts.
	all, err := l.ReadRange(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestBoundedReadAcrossRollover(t *testing.T) {
	l, _ := newTestLog(t, 200)
	appendN(t, l, 10)

	// A window entirely inside the earliest part.
	got, err := l.ReadRange(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	// A window spanning the part boundary.
	got, err = l.ReadRange(4, 8)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(8), got[4].Seq)
}

func TestReadFromOrderAcrossRollover(t *testing.T) {
	l, _ := newTestLog(t, 200)
	appendN(t, l, 10)

	var seen []int64
	err := l.ReadFrom(0, func(e *Event) error {
		seen = append(seen, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
}

func TestReopenAfterRolloverContinuesAtTail(t *testing.T) {
	l, dir := newTestLog(t, 200)
	appendN(t, l, 10)
	require.NoError(t, l.Close())

	reopened, err := OpenLog(dir, 200)
	require.NoError(t, err)
	defer reopened.Close()

	e := New(KindRunStep, "conv-1", "", nil)
	e.Seq = 11
	require.NoError(t, reopened.Append(e))

	var seen []int64
	err = reopened.ReadFrom(0, func(e *Event) error {
		seen = append(seen, e.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 11)
	for i, seq := range seen {
		assert.Equal(t, int64(i+1), seq, "reopen must append after the previous tail part")
	}
}

func TestTornLineSkipped(t *testing.T) {
	l, dir := newTestLog(t, 0)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	// Simulate a crash mid-append: a torn partial line at the tail.
	f, err := os.OpenFile(filepath.Join(dir, files[0].Name()), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"torn","seq":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenLog(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.ReadRange(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	max, err := reopened.MaxSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestAppendAfterReopenContinuesFile(t *testing.T) {
	l, dir := newTestLog(t, 0)
	appendN(t, l, 2)
	require.NoError(t, l.Close())

	reopened, err := OpenLog(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	e := New(KindRunStep, "conv-1", "", nil)
	e.Seq = 3
	require.NoError(t, reopened.Append(e))

	all, err := reopened.ReadRange(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPayloadRoundTrip(t *testing.T) {
	l, _ := newTestLog(t, 0)

	e := New(KindChatMessage, "conv-9", "trace-9", map[string]interface{}{
		"status":     "ok",
		"latency_ms": 12.5,
	})
	e.Seq = 1
	require.NoError(t, l.Append(e))

	got, err := l.ReadRange(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.EventID, got[0].EventID)
	assert.Equal(t, "conv-9", got[0].ConversationID)
	assert.Equal(t, "trace-9", got[0].TraceID)
	assert.Equal(t, "ok", got[0].Payload["status"])
	assert.Equal(t, 12.5, got[0].Payload["latency_ms"])
}
