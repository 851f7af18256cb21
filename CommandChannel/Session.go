package CommandChannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultSubprotocol = "arduino"
	handshakeTimeout   = 10 * time.Second
	closeGracePeriod   = time.Second
)

type Options struct {
	// ID names the session in logs. A random UUID is used when empty.
	ID           string
	URL          string
	Subprotocol  string
	Status       StatusView
	Logs         LogSink
	StallWarning time.Duration
	Logger       *zap.Logger
	Dialer       *websocket.Dialer
}

type inboundFrame struct {
	data []byte
	err  error
}

type action struct {
	run  func(m *Machine) error
	done chan error
}

// Session is one connection to the device. All protocol state lives in a
// Machine that only the loop goroutine touches; public methods hand work to
// the loop and wait for its answer.
type Session struct {
	id      string
	conn    *websocket.Conn
	machine *Machine
	logger  *zap.Logger

	stallWarning time.Duration
	inbound      chan inboundFrame
	actions      chan *action
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	closeErr     error
	final        Snapshot
}

// Dial opens the connection. There is no retry: a failed dial is returned and
// a dropped connection leaves the session closed for good.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", id))

	subprotocol := opts.Subprotocol
	if subprotocol == "" {
		subprotocol = DefaultSubprotocol
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	d := *dialer
	d.Subprotocols = []string{subprotocol}

	status := opts.Status
	if status == nil {
		status = NewStatusBoard()
	}

	s := &Session{
		id:           id,
		logger:       logger,
		stallWarning: opts.StallWarning,
		inbound:      make(chan inboundFrame),
		actions:      make(chan *action),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.machine = NewMachine(s.write, status, opts.Logs, logger)

	logger.Info("Connecting to device", zap.String("url", opts.URL), zap.String("subprotocol", subprotocol))
	conn, resp, err := d.DialContext(ctx, opts.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.machine.Closed(err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, opts.URL, err)
	}
	s.conn = conn
	s.machine.Opened()

	go s.readPump()
	go s.loop()
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has reached the closed state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) ToggleLogs() error {
	return s.do(func(m *Machine) error { return m.ToggleLogs() })
}

func (s *Session) Issue(cmd Command) error {
	return s.do(func(m *Machine) error { return m.Issue(cmd) })
}

func (s *Session) UploadArduinoFirmware(path string) error {
	return s.Issue(NewUploadArduinoFirmware(path))
}

func (s *Session) RebootArduino() error {
	return s.Issue(NewRebootArduino())
}

func (s *Session) SendArduinoCommand(text string) error {
	return s.do(func(m *Machine) error { return m.SendArduinoCommand(text) })
}

func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	err := s.do(func(m *Machine) error {
		snap = m.Snapshot()
		return nil
	})
	if err != nil {
		<-s.done
		return s.final
	}
	return snap
}

// Close sends a close frame, stops the loop and releases the connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
			// The device already went away.
			return
		default:
		}
		s.logger.Info("Closing session")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(closeGracePeriod)
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = multierr.Append(err, fmt.Errorf("send close frame: %w", werr))
		}
		close(s.closing)
		<-s.done
		err = multierr.Append(err, s.closeErr)
	})
	return err
}

func (s *Session) do(run func(m *Machine) error) error {
	a := &action{run: run, done: make(chan error, 1)}
	select {
	case s.actions <- a:
		return <-a.done
	case <-s.done:
		return ErrNotConnected
	}
}

// write is only called from the loop goroutine, which makes it the single
// writer gorilla/websocket requires.
func (s *Session) write(message string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

func (s *Session) readPump() {
	for {
		// Text and binary frames both carry text.
		_, data, err := s.conn.ReadMessage()
		select {
		case s.inbound <- inboundFrame{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) loop() {
	defer func() {
		s.closeErr = s.conn.Close()
		s.final = s.machine.Snapshot()
		close(s.done)
	}()

	var tick <-chan time.Time
	if s.stallWarning > 0 {
		interval := s.stallWarning / 2
		if interval > time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-s.inbound:
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.machine.Closed(nil)
				} else {
					s.machine.Closed(frame.err)
				}
				return
			}
			s.machine.Receive(string(frame.data))
		case a := <-s.actions:
			a.done <- a.run(s.machine)
		case now := <-tick:
			s.machine.CheckStall(now, s.stallWarning)
		case <-s.closing:
			s.machine.Closed(nil)
			return
		}
	}
}
