package CommandChannel

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sender writes one text message to the device.
type Sender func(message string) error

type responseHandler func(cmd Command, text string)

// Machine is the client side of the command channel protocol. It owns the
// command-in-progress slot and the log streaming flag. It is not safe for
// concurrent use; Session drives it from a single goroutine.
type Machine struct {
	state       State
	current     *Command
	issuedAt    time.Time
	stallWarned bool
	logsEnabled bool

	send     Sender
	status   StatusView
	logs     LogSink
	handlers map[CommandKind]responseHandler
	logger   *zap.Logger
	now      func() time.Time
}

func NewMachine(send Sender, status StatusView, logs LogSink, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		state:  StateConnecting,
		send:   send,
		status: status,
		logs:   logs,
		logger: logger,
		now:    time.Now,
	}
	m.handlers = map[CommandKind]responseHandler{
		UploadArduinoFirmware: m.handleUploadArduinoFirmware,
		RebootArduino:         m.handleRebootArduino,
	}
	return m
}

func (m *Machine) State() State {
	return m.state
}

// Opened moves a connecting machine to idle.
func (m *Machine) Opened() {
	if m.state != StateConnecting {
		return
	}
	m.state = StateIdle
	m.logger.Info("Connection to device opened")
}

// Closed is terminal. An outstanding command is dropped without a response.
func (m *Machine) Closed(err error) {
	if m.state == StateClosed {
		return
	}
	if m.current != nil {
		m.logger.Warn("Connection closed while command was outstanding", zap.Stringer("command", m.current.Kind))
		m.current = nil
	}
	m.state = StateClosed
	if err != nil {
		m.logger.Error("Connection to device lost", zap.Error(err))
		return
	}
	m.logger.Info("Connection to device closed")
}

// ToggleLogs flips log streaming and sends the matching sentinel token.
func (m *Machine) ToggleLogs() error {
	if !m.connected() {
		return ErrNotConnected
	}
	token := TokenStartReadingLogs
	if m.logsEnabled {
		token = TokenStopReadingLogs
	}
	if err := m.send(token); err != nil {
		return fmt.Errorf("send %s: %w", token, err)
	}
	m.logsEnabled = !m.logsEnabled
	m.logger.Debug("Toggled reading logs", zap.Bool("enabled", m.logsEnabled))
	return nil
}

func (m *Machine) LogsEnabled() bool {
	return m.logsEnabled
}

// LogsLabel is the text of the control that toggles log streaming.
func (m *Machine) LogsLabel() string {
	if m.logsEnabled {
		return LabelStopReadingLogs
	}
	return LabelStartReadingLogs
}

// Issue sends cmd unless another command is still outstanding. A rejected
// command leaves the machine untouched and sends nothing.
func (m *Machine) Issue(cmd Command) error {
	if !m.connected() {
		return ErrNotConnected
	}
	if m.current != nil {
		return fmt.Errorf("%w: %s", ErrCommandInProgress, m.current.Kind)
	}
	if err := cmd.validate(); err != nil {
		return err
	}

	m.current = &cmd
	m.issuedAt = m.now()
	m.stallWarned = false
	m.state = StateCommandOutstanding

	if err := m.send(cmd.Wire()); err != nil {
		m.clear()
		return fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	m.logger.Info("Command sent", zap.String("command", cmd.Wire()))
	return nil
}

// SendArduinoCommand forwards free text to the companion device. The device
// never answers it, so the command slot is not used.
func (m *Machine) SendArduinoCommand(text string) error {
	if !m.connected() {
		return ErrNotConnected
	}
	if text == "" {
		return ErrEmptyCommand
	}
	message := TokenArduinoCommand + " " + text
	if err := m.send(message); err != nil {
		return fmt.Errorf("send %s: %w", TokenArduinoCommand, err)
	}
	return nil
}

// Receive dispatches one inbound message. With a command outstanding the
// message is that command's response, otherwise it is a log fragment.
func (m *Machine) Receive(text string) {
	switch m.state {
	case StateCommandOutstanding:
		cmd := *m.current
		m.handlers[cmd.Kind](cmd, text)
	case StateIdle:
		if m.logs != nil {
			m.logs.Append(text)
		}
	default:
		m.logger.Warn("Dropping message received in state", zap.Stringer("state", m.state))
	}
}

// CheckStall logs once per command when it has been outstanding longer than
// after. The slot is kept: the protocol has no timeout.
func (m *Machine) CheckStall(now time.Time, after time.Duration) {
	if m.current == nil || m.stallWarned || after <= 0 {
		return
	}
	if waited := now.Sub(m.issuedAt); waited >= after {
		m.stallWarned = true
		m.logger.Warn("Command still waiting for DONE or ERROR",
			zap.Stringer("command", m.current.Kind),
			zap.Duration("waited", waited))
	}
}

func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		State:       m.state,
		LogsEnabled: m.logsEnabled,
		LogsLabel:   m.LogsLabel(),
	}
	if m.current != nil {
		cmd := *m.current
		snap.Outstanding = &cmd
	}
	return snap
}

func (m *Machine) handleUploadArduinoFirmware(cmd Command, text string) {
	m.settle(cmd, text, zap.String("path", cmd.Path))
}

func (m *Machine) handleRebootArduino(cmd Command, text string) {
	m.settle(cmd, text)
}

func (m *Machine) settle(cmd Command, text string, fields ...zap.Field) {
	fields = append(fields, zap.Stringer("command", cmd.Kind), zap.String("response", text))
	switch ClassifyResponse(text) {
	case ResponseError:
		m.clear()
		m.status.Failed(text)
		m.logger.Warn("Command failed", fields...)
	case ResponseDone:
		m.clear()
		m.status.Succeeded(text)
		m.logger.Info("Command completed", fields...)
	default:
		m.status.Progress(text)
		m.logger.Debug("Command progress", fields...)
	}
}

func (m *Machine) clear() {
	m.current = nil
	if m.state == StateCommandOutstanding {
		m.state = StateIdle
	}
}

func (m *Machine) connected() bool {
	return m.state == StateIdle || m.state == StateCommandOutstanding
}
