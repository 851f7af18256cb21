package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"EspConsole/Config"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `Usage: espconsole [flags] <command> [args]

Commands:
  console               interactive session over the command channel
  serve                 keep a session open and expose it on the local API
  upload-esp <file>     flash new ESP firmware over HTTP
  reset-wifi            clear WiFi settings and reboot into access point mode
  reboot-esp            reboot the ESP
  ls [dir]              list files on the device
  put <local> [remote]  copy a file to the device
  rm <path>             delete a file on the device
  dump <capture>        print a log capture file

Flags:
`

func main() {
	os.Exit(run())
}

func run() int {
	cfg, args, err := Config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		printUsage()
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if len(args) == 0 {
		printUsage()
		return 2
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{
		cfg:    cfg,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	if err := app.Dispatch(ctx, args[0], args[1:]); err != nil {
		logger.Debug("Command failed", zap.String("command", args[0]), zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprint(os.Stderr, usage)
	fmt.Fprint(os.Stderr, Config.Flags().FlagUsages())
}
