package LogStream

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBuffer_KeepsNewestBytes(t *testing.T) {
	tb := NewTailBuffer(8)
	assert.Equal(t, "", tb.String())

	tb.Append("abc")
	assert.Equal(t, "abc", tb.String())
	assert.Equal(t, 3, tb.Len())

	tb.Append("defgh")
	assert.Equal(t, "abcdefgh", tb.String())

	tb.Append("ij")
	assert.Equal(t, "cdefghij", tb.String())
	assert.Equal(t, 8, tb.Len())
}

func TestTailBuffer_OversizedInsert(t *testing.T) {
	tb := NewTailBuffer(4)
	tb.Append("x")
	tb.Insert([]byte("0123456789"))
	assert.Equal(t, "6789", tb.String())

	tb.Reset()
	assert.Equal(t, 0, tb.Len())
	tb.Append("ok")
	assert.Equal(t, "ok", tb.String())
}

func TestTailBuffer_DefaultSize(t *testing.T) {
	tb := NewTailBuffer(0)
	tb.Append(strings.Repeat("a", DefaultTailSize+10))
	assert.Equal(t, DefaultTailSize, tb.Len())
}

func TestLineSplitter(t *testing.T) {
	var lines []string
	ls := NewLineSplitter(func(line string) { lines = append(lines, line) })

	ls.Append("Web serv")
	assert.Empty(t, lines)
	ls.Append("er initialized\r\n[0] Conn")
	ls.Append("ected\n\nheap: ")
	assert.Equal(t, []string{"Web server initialized", "[0] Connected", ""}, lines)

	ls.Flush()
	assert.Equal(t, "heap: ", lines[len(lines)-1])

	n := len(lines)
	ls.Flush()
	assert.Len(t, lines, n, "nothing pending")
}

func TestFanout(t *testing.T) {
	var a, b bytes.Buffer
	tail := NewTailBuffer(16)
	f := NewFanout(&WriterSink{W: &a}, nil, tail, &WriterSink{W: &b})
	assert.Len(t, f, 3)

	f.Append("one ")
	f.Append("two")

	assert.Equal(t, "one two", a.String())
	assert.Equal(t, "one two", b.String())
	assert.Equal(t, "one two", tail.String())
}

func TestRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")
	r, err := NewRecorder(path, "sess-1", nil)
	require.NoError(t, err)
	start := time.UnixMilli(1700000000000)
	r.now = func() time.Time { return start }

	r.Append("first li")
	r.Append("ne\r\nsecond\n")
	r.Append("partial")

	// complete lines hit the disk before Close
	f, err := os.Open(path)
	require.NoError(t, err)
	entries, err := ReadEntries(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Len(t, entries, 2)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	r.Append("after close\n")

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	entries, err = ReadEntries(f)
	require.NoError(t, err)
	assert.Equal(t, []LogEntry{
		{Ts: 1700000000000, Msg: "first line", Session: "sess-1"},
		{Ts: 1700000000000, Msg: "second", Session: "sess-1"},
		{Ts: 1700000000000, Msg: "partial", Session: "sess-1"},
	}, entries)
	assert.Equal(t, start, entries[0].Time())
	assert.NoError(t, r.Err())
}

func TestRecorder_AppendsToExistingCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")
	for _, session := range []string{"a", "b"} {
		r, err := NewRecorder(path, session, nil)
		require.NoError(t, err)
		r.Append("hello\n")
		require.NoError(t, r.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries, err := ReadEntries(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Session)
	assert.Equal(t, "b", entries[1].Session)
}

func TestReadEntries_Truncated(t *testing.T) {
	good, err := cbor.Marshal(LogEntry{Ts: 1, Msg: "ok", Session: "s"})
	require.NoError(t, err)
	bad, err := cbor.Marshal(LogEntry{Ts: 2, Msg: "cut short", Session: "s"})
	require.NoError(t, err)

	data := append(good, bad[:len(bad)-3]...)
	entries, err := ReadEntries(bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, []LogEntry{{Ts: 1, Msg: "ok", Session: "s"}}, entries)
}

func TestNewRecorder_BadPath(t *testing.T) {
	_, err := NewRecorder(filepath.Join(t.TempDir(), "missing", "capture.cbor"), "s", nil)
	require.Error(t, err)
}
