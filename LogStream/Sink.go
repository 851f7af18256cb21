package LogStream

import (
	"io"
	"strings"
	"sync"
)

// Sink receives raw log fragments as the device pushes them.
type Sink interface {
	Append(fragment string)
}

// Fanout forwards every fragment to each sink in order. Nil sinks are skipped.
type Fanout []Sink

func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Append(fragment string) {
	for _, s := range f {
		s.Append(fragment)
	}
}

// WriterSink copies fragments verbatim to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (w *WriterSink) Append(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.W, fragment)
}

// LineSplitter reassembles fragments into complete lines. Fragments carry
// no framing, so a line may arrive in several pieces.
type LineSplitter struct {
	pending strings.Builder
	emit    func(line string)
}

func NewLineSplitter(emit func(line string)) *LineSplitter {
	return &LineSplitter{emit: emit}
}

func (ls *LineSplitter) Append(fragment string) {
	for {
		i := strings.IndexByte(fragment, '\n')
		if i < 0 {
			ls.pending.WriteString(fragment)
			return
		}
		ls.pending.WriteString(fragment[:i])
		line := strings.TrimSuffix(ls.pending.String(), "\r")
		ls.pending.Reset()
		ls.emit(line)
		fragment = fragment[i+1:]
	}
}

// Flush emits a trailing partial line, if any.
func (ls *LineSplitter) Flush() {
	if ls.pending.Len() == 0 {
		return
	}
	line := strings.TrimSuffix(ls.pending.String(), "\r")
	ls.pending.Reset()
	ls.emit(line)
}
