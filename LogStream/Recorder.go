package LogStream

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Ts      int64  `cbor:"ts" json:"ts"` // unix milliseconds
	Msg     string `cbor:"msg" json:"msg"`
	Session string `cbor:"session" json:"session"`
}

func (e LogEntry) Time() time.Time {
	return time.UnixMilli(e.Ts)
}

// Recorder writes each complete log line to a capture file as a CBOR record.
// Records are flushed as they arrive so a crash loses at most a partial line.
type Recorder struct {
	mu       sync.Mutex
	osFile   *os.File
	file     *bufio.Writer
	enc      *cbor.Encoder
	splitter *LineSplitter
	session  string
	logger   *zap.Logger
	now      func() time.Time
	err      error
}

// NewRecorder opens path for appending.
func NewRecorder(path, session string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	osFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		osFile:  osFile,
		file:    bufio.NewWriter(osFile),
		session: session,
		logger:  logger,
		now:     time.Now,
	}
	r.enc = cbor.NewEncoder(r.file)
	r.splitter = NewLineSplitter(r.write)
	logger.Info("Recording log stream", zap.String("file", path))
	return r, nil
}

// Append implements Sink.
func (r *Recorder) Append(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.osFile == nil {
		return
	}
	r.splitter.Append(fragment)
}

// write is called with mu held.
func (r *Recorder) write(line string) {
	entry := LogEntry{Ts: r.now().UnixMilli(), Msg: line, Session: r.session}
	if err := r.enc.Encode(entry); err != nil {
		r.fail(err)
		return
	}
	if err := r.file.Flush(); err != nil {
		r.fail(err)
	}
}

func (r *Recorder) fail(err error) {
	if r.err == nil {
		r.logger.Error("Error writing capture file", zap.Error(err))
	}
	r.err = err
}

// Err returns the last write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close records any trailing partial line and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.osFile == nil {
		return nil
	}
	r.splitter.Flush()
	err := multierr.Combine(r.file.Flush(), r.osFile.Close())
	r.osFile = nil
	return err
}

// ReadEntries decodes every record of a capture file.
func ReadEntries(in io.Reader) ([]LogEntry, error) {
	dec := cbor.NewDecoder(in)
	var entries []LogEntry
	for {
		var entry LogEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}
