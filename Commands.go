package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"EspConsole/ApiServer"
	"EspConsole/CommandChannel"
	"EspConsole/Config"
	"EspConsole/Console"
	"EspConsole/DeviceHttp"
	"EspConsole/LogStream"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errUsage          = errors.New("usage")
	errSessionDropped = errors.New("device closed the connection")
)

// App runs one subcommand.
type App struct {
	cfg    *Config.Config
	logger *zap.Logger
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func (a *App) Dispatch(ctx context.Context, command string, args []string) error {
	if command == "dump" {
		if len(args) != 1 {
			return usageError("dump <capture>")
		}
		return a.dump(args[0])
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	switch command {
	case "console":
		return a.console(ctx)
	case "serve":
		return a.serve(ctx)
	case "upload-esp":
		if len(args) != 1 {
			return usageError("upload-esp <file>")
		}
		return a.uploadEsp(ctx, args[0])
	case "reset-wifi":
		return a.resetWifi(ctx)
	case "reboot-esp":
		return a.rebootEsp(ctx)
	case "ls":
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		return a.list(ctx, dir)
	case "put":
		if len(args) < 1 || len(args) > 2 {
			return usageError("put <local> [remote]")
		}
		remote := ""
		if len(args) == 2 {
			remote = args[1]
		}
		return a.device().UploadFile(ctx, args[0], remote)
	case "rm":
		if len(args) != 1 {
			return usageError("rm <path>")
		}
		parent, err := a.device().DeleteFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Deleted %s (now in %s)\n", args[0], parent)
		return nil
	default:
		return usageError("unknown command %q", command)
	}
}

func (a *App) device() *DeviceHttp.Client {
	return DeviceHttp.NewClient(a.cfg.HttpBaseURL(), nil, a.logger)
}

// openSession dials the command channel with logs fanned out to sinks and,
// when configured, the capture file.
func (a *App) openSession(ctx context.Context, status CommandChannel.StatusView, sinks ...LogStream.Sink) (*CommandChannel.Session, *LogStream.Recorder, error) {
	id := uuid.NewString()
	var recorder *LogStream.Recorder
	if a.cfg.CaptureFile != "" {
		var err error
		recorder, err = LogStream.NewRecorder(a.cfg.CaptureFile, id, a.logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, recorder)
	}

	session, err := CommandChannel.Dial(ctx, CommandChannel.Options{
		ID:           id,
		URL:          a.cfg.WebSocketURL(),
		Subprotocol:  a.cfg.Subprotocol,
		Status:       status,
		Logs:         LogStream.NewFanout(sinks...),
		StallWarning: a.cfg.StallWarning,
		Logger:       a.logger,
	})
	if err != nil {
		if recorder != nil {
			err = multierr.Append(err, recorder.Close())
		}
		return nil, nil, err
	}
	return session, recorder, nil
}

func closeAll(session *CommandChannel.Session, recorder *LogStream.Recorder) error {
	err := session.Close()
	if recorder != nil {
		err = multierr.Append(err, recorder.Close())
	}
	return err
}

func (a *App) console(ctx context.Context) error {
	out := Console.SyncWriter(a.out)
	board := CommandChannel.NewStatusBoard()
	session, recorder, err := a.openSession(ctx, board, &LogStream.WriterSink{W: out})
	if err != nil {
		return err
	}

	con := Console.New(session, board, out, a.logger)
	board.OnChange = con.ShowStatus

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			fmt.Fprintln(out, "\nConnection to device closed")
			cancel()
		case <-ctx.Done():
		}
	}()

	return multierr.Append(con.Run(ctx, a.in), closeAll(session, recorder))
}

func (a *App) serve(ctx context.Context) error {
	board := CommandChannel.NewStatusBoard()
	board.OnChange = func(e CommandChannel.StatusEntry) {
		a.logger.Info("Command status", zap.String("text", e.Text), zap.Stringer("tone", e.Tone))
	}
	tail := LogStream.NewTailBuffer(a.cfg.TailBytes)
	session, recorder, err := a.openSession(ctx, board, tail)
	if err != nil {
		return err
	}
	api := ApiServer.NewApiServer(session, board, tail, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(gctx, a.cfg.ApiListen)
	})
	g.Go(func() error {
		select {
		case <-session.Done():
			return errSessionDropped
		case <-gctx.Done():
			return nil
		}
	})
	return multierr.Append(g.Wait(), closeAll(session, recorder))
}

func (a *App) uploadEsp(ctx context.Context, path string) error {
	lastPercent := -1
	res, err := a.device().UploadEspFirmware(ctx, path, func(p DeviceHttp.Progress) {
		if pct := p.Percent(); pct != lastPercent {
			lastPercent = pct
			fmt.Fprintf(a.out, "\r%s, %s", p, p.StatusText())
		}
	})
	if lastPercent >= 0 {
		fmt.Fprintln(a.out)
	}
	if res.StatusText != "" {
		fmt.Fprintln(a.out, res.StatusText)
	}
	return err
}

func (a *App) resetWifi(ctx context.Context) error {
	ok, err := a.confirm("Reset WiFi settings?")
	if err != nil || !ok {
		return err
	}
	if err := a.device().ResetWifiSettings(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, DeviceHttp.AlertWifiReset)
	return nil
}

func (a *App) rebootEsp(ctx context.Context) error {
	ok, err := a.confirm("Reboot ESP?")
	if err != nil || !ok {
		return err
	}
	if err := a.device().RebootEsp(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, DeviceHttp.AlertRebooting)
	return nil
}

// confirm asks a yes/no question unless assume_yes is set. A "no" is not an
// error; the command just does nothing.
func (a *App) confirm(question string) (bool, error) {
	if a.cfg.AssumeYes {
		return true, nil
	}
	if a.reader == nil {
		a.reader = bufio.NewReader(a.in)
	}
	fmt.Fprintf(a.out, "%s [y/N] ", question)
	answer, err := a.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	fmt.Fprintln(a.out, "Aborted")
	return false, nil
}

func (a *App) list(ctx context.Context, dir string) error {
	files, err := a.device().ListFiles(ctx, dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, f := range files {
		if f.IsDir() {
			fmt.Fprintf(tw, "dir\t-\t%s/\n", f.Name)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Type, f.Size, f.Name)
	}
	return tw.Flush()
}

func (a *App) dump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := LogStream.ReadEntries(f)
	for _, e := range entries {
		fmt.Fprintf(a.out, "%s [%s] %s\n", e.Time().UTC().Format(time.RFC3339Nano), e.Session, e.Msg)
	}
	return err
}
