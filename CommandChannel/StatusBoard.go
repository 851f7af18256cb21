package CommandChannel

import "sync"

// StatusView renders command responses.
type StatusView interface {
	// Progress shows text without changing the visual state.
	Progress(text string)
	Succeeded(text string)
	Failed(text string)
}

// LogSink receives log fragments pushed by the device.
type LogSink interface {
	Append(fragment string)
}

type Tone int

const (
	ToneNeutral Tone = iota
	ToneSuccess
	ToneError
)

func (t Tone) String() string {
	switch t {
	case ToneSuccess:
		return "success"
	case ToneError:
		return "error"
	default:
		return "neutral"
	}
}

func (t Tone) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

type StatusEntry struct {
	Text string `json:"text"`
	Tone Tone   `json:"tone"`
}

// StatusBoard keeps the latest status text and tone. OnChange, when set, is
// called after every update.
type StatusBoard struct {
	mu       sync.Mutex
	current  StatusEntry
	OnChange func(StatusEntry)
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{}
}

func (b *StatusBoard) Progress(text string) {
	b.set(func(e *StatusEntry) { e.Text = text })
}

func (b *StatusBoard) Succeeded(text string) {
	b.set(func(e *StatusEntry) { e.Text, e.Tone = text, ToneSuccess })
}

func (b *StatusBoard) Failed(text string) {
	b.set(func(e *StatusEntry) { e.Text, e.Tone = text, ToneError })
}

func (b *StatusBoard) Current() StatusEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *StatusBoard) set(update func(*StatusEntry)) {
	b.mu.Lock()
	update(&b.current)
	entry := b.current
	onChange := b.OnChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(entry)
	}
}
