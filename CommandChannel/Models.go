package CommandChannel

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel tokens understood by the device socket server.
const (
	TokenStartReadingLogs = "start_reading_logs"
	TokenStopReadingLogs  = "stop_reading_logs"
	TokenArduinoCommand   = "arduino_command"
)

// Labels of the log streaming control.
const (
	LabelStartReadingLogs = "Start reading logs"
	LabelStopReadingLogs  = "Stop reading logs"
)

// Terminal markers of a command response.
const (
	MarkerError = "ERROR"
	MarkerDone  = "DONE"
)

var (
	ErrCommandInProgress = errors.New("another command is in progress")
	ErrNotConnected      = errors.New("device is not connected")
	ErrEmptyPath         = errors.New("firmware path is empty")
	ErrEmptyCommand      = errors.New("arduino command is empty")
)

type State int

const (
	StateConnecting State = iota
	StateIdle
	StateCommandOutstanding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateCommandOutstanding:
		return "command-outstanding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CommandKind int

const (
	UploadArduinoFirmware CommandKind = iota
	RebootArduino
)

// String returns the wire verb of the command.
func (k CommandKind) String() string {
	switch k {
	case UploadArduinoFirmware:
		return "upload_arduino_firmware"
	case RebootArduino:
		return "reboot_arduino"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

func (k CommandKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Command is one request to the companion device. Path is only used by
// UploadArduinoFirmware and names a file on the device file system.
type Command struct {
	Kind CommandKind `json:"kind"`
	Path string      `json:"path,omitempty"`
}

func NewUploadArduinoFirmware(path string) Command {
	return Command{Kind: UploadArduinoFirmware, Path: path}
}

func NewRebootArduino() Command {
	return Command{Kind: RebootArduino}
}

// Wire renders the command exactly as the device expects it.
func (c Command) Wire() string {
	if c.Kind == UploadArduinoFirmware {
		return fmt.Sprintf("%s \"%s\"", c.Kind, c.Path)
	}
	return c.Kind.String()
}

func (c Command) validate() error {
	if c.Kind == UploadArduinoFirmware && strings.TrimSpace(c.Path) == "" {
		return ErrEmptyPath
	}
	return nil
}

type ResponseKind int

const (
	ResponseProgress ResponseKind = iota
	ResponseDone
	ResponseError
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseDone:
		return "done"
	case ResponseError:
		return "error"
	default:
		return "progress"
	}
}

// ClassifyResponse applies the terminal marker rules. Anything that is neither
// an ERROR prefix nor exactly DONE keeps the command outstanding.
func ClassifyResponse(text string) ResponseKind {
	switch {
	case strings.HasPrefix(text, MarkerError):
		return ResponseError
	case text == MarkerDone:
		return ResponseDone
	default:
		return ResponseProgress
	}
}

// Snapshot is a point in time view of a session.
type Snapshot struct {
	State       State    `json:"state"`
	Outstanding *Command `json:"outstanding,omitempty"`
	LogsEnabled bool     `json:"logs_enabled"`
	LogsLabel   string   `json:"logs_label"`
}
