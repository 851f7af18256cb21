package Console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"EspConsole/CommandChannel"

	"go.uber.org/zap"
)

const prompt = "> "

const helpText = `Commands:
  logs            start or stop reading logs
  upload <path>   flash the Arduino with a hex file stored on the device
  reboot          reboot the Arduino
  send <text>     pass a raw command to the Arduino
  status          show connection state and the last command status
  help            show this text
  quit            close the connection and exit
`

// Session is the part of a command channel session the console drives.
type Session interface {
	Snapshot() CommandChannel.Snapshot
	ToggleLogs() error
	UploadArduinoFirmware(path string) error
	RebootArduino() error
	SendArduinoCommand(text string) error
}

type StatusSource interface {
	Current() CommandChannel.StatusEntry
}

// lockedWriter serializes console output with log fragments written from the
// session goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

type Console struct {
	session Session
	status  StatusSource
	out     *lockedWriter
	logger  *zap.Logger
}

// SyncWriter wraps w so it can be shared between the console and log sinks
// created before it.
func SyncWriter(w io.Writer) io.Writer {
	if lw, ok := w.(*lockedWriter); ok {
		return lw
	}
	return &lockedWriter{w: w}
}

func New(session Session, status StatusSource, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		session: session,
		status:  status,
		out:     SyncWriter(out).(*lockedWriter),
		logger:  logger,
	}
}

// Writer returns the console output. Anything else printing to the terminal
// should go through it.
func (c *Console) Writer() io.Writer {
	return c.out
}

// ShowStatus prints a status update; hook it to StatusBoard.OnChange.
func (c *Console) ShowStatus(e CommandChannel.StatusEntry) {
	c.printf("%s\n", formatStatus(e))
}

func formatStatus(e CommandChannel.StatusEntry) string {
	switch e.Tone {
	case CommandChannel.ToneSuccess:
		return "[ok] " + e.Text
	case CommandChannel.ToneError:
		return "[error] " + e.Text
	default:
		return "[status] " + e.Text
	}
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *Console) alert(err error) {
	c.printf("! %s\n", err)
}

// Run reads commands from in until quit, end of input or ctx is cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("Type \"help\" for commands.\n%s", prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if c.Execute(line) {
				return nil
			}
			c.printf("%s", prompt)
		}
	}
}

// Execute runs one command line. It reports whether the console should exit.
func (c *Console) Execute(line string) bool {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(verb) {
	case "":
		return false
	case "logs":
		if err = c.session.ToggleLogs(); err == nil {
			snap := c.session.Snapshot()
			c.printf("Logs %s, next toggle: %q\n", onOff(snap.LogsEnabled), snap.LogsLabel)
		}
	case "upload":
		if arg == "" {
			c.printf("usage: upload <path>\n")
			return false
		}
		if err = c.session.UploadArduinoFirmware(arg); err == nil {
			c.printf("Uploading %s\n", arg)
		}
	case "reboot":
		if err = c.session.RebootArduino(); err == nil {
			c.printf("Rebooting Arduino\n")
		}
	case "send":
		err = c.session.SendArduinoCommand(arg)
	case "status":
		c.printStatus()
	case "help", "?":
		c.printf("%s", helpText)
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command %q, try \"help\"\n", verb)
	}
	if err != nil {
		c.logger.Debug("Command rejected", zap.String("line", line), zap.Error(err))
		c.alert(err)
	}
	return false
}

func (c *Console) printStatus() {
	snap := c.session.Snapshot()
	c.printf("state: %s\n", snap.State)
	if snap.Outstanding != nil {
		c.printf("outstanding: %s\n", snap.Outstanding.Wire())
	}
	c.printf("logs: %s\n", onOff(snap.LogsEnabled))
	if c.status != nil {
		if e := c.status.Current(); e.Text != "" {
			c.printf("%s\n", formatStatus(e))
		}
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
