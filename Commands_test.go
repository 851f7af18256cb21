package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"EspConsole/Config"
	"EspConsole/DeviceHttp"
	"EspConsole/LogStream"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// configFor points both device ports at srv.
func configFor(t *testing.T, srv *httptest.Server) *Config.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &Config.Config{
		Host:        host,
		WsPort:      port,
		HttpPort:    port,
		Subprotocol: "arduino",
		TailBytes:   2048,
		LogLevel:    "info",
	}
}

func newApp(cfg *Config.Config, in string) (*App, *syncBuffer) {
	out := &syncBuffer{}
	return &App{cfg: cfg, in: strings.NewReader(in), out: out, logger: zap.NewNop()}, out
}

func TestDispatch_RequiresHost(t *testing.T) {
	app, _ := newApp(&Config.Config{WsPort: 81, HttpPort: 80, Subprotocol: "arduino", TailBytes: 1, LogLevel: "info"}, "")
	err := app.Dispatch(context.Background(), "ls", nil)
	require.ErrorIs(t, err, Config.ErrNoHost)
}

func TestDispatch_Usage(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	app, _ := newApp(configFor(t, srv), "")

	for _, args := range [][]string{{"bogus"}, {"upload-esp"}, {"rm"}, {"put"}, {"dump"}} {
		err := app.Dispatch(context.Background(), args[0], args[1:])
		assert.ErrorIs(t, err, errUsage, "%v", args)
	}
}

func TestResetWifi_Confirmation(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
	}))
	defer srv.Close()

	app, out := newApp(configFor(t, srv), "n\n")
	require.NoError(t, app.Dispatch(context.Background(), "reset-wifi", nil))
	assert.Empty(t, hits)
	assert.Contains(t, out.String(), "Aborted")

	app, out = newApp(configFor(t, srv), "yes\n")
	require.NoError(t, app.Dispatch(context.Background(), "reset-wifi", nil))
	assert.Equal(t, []string{"/reset_wifi_settings"}, hits)
	assert.Contains(t, out.String(), DeviceHttp.AlertWifiReset)

	cfg := configFor(t, srv)
	cfg.AssumeYes = true
	app, out = newApp(cfg, "")
	require.NoError(t, app.Dispatch(context.Background(), "reboot-esp", nil))
	assert.Equal(t, []string{"/reset_wifi_settings", "/reboot_esp"}, hits)
	assert.Equal(t, DeviceHttp.AlertRebooting+"\n", out.String())
}

func TestFileCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list":
			_, _ = io.WriteString(w, `[{"type":"file","size":"512","name":"arduino.hex"},{"type":"dir","name":"www"}]`)
		case r.URL.Path == "/edit" && r.Method == http.MethodPost:
			_, _, err := r.FormFile("data")
			assert.NoError(t, err)
		case r.URL.Path == "/edit" && r.Method == http.MethodDelete:
			_, _ = io.WriteString(w, "/")
		}
	}))
	defer srv.Close()
	cfg := configFor(t, srv)

	app, out := newApp(cfg, "")
	require.NoError(t, app.Dispatch(context.Background(), "ls", nil))
	assert.Equal(t, "file  512  arduino.hex\ndir   -    www/\n", out.String())

	local := filepath.Join(t.TempDir(), "arduino.hex")
	require.NoError(t, os.WriteFile(local, []byte(":00000001FF\n"), 0o644))
	app, _ = newApp(cfg, "")
	require.NoError(t, app.Dispatch(context.Background(), "put", []string{local}))

	app, out = newApp(cfg, "")
	require.NoError(t, app.Dispatch(context.Background(), "rm", []string{"/arduino.hex"}))
	assert.Equal(t, "Deleted /arduino.hex (now in /)\n", out.String())
}

func TestUploadEsp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, "ESP firmware update completed! Rebooting...")
	}))
	defer srv.Close()

	image := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(image, bytes.Repeat([]byte{0xAA}, 4096), 0o644))

	app, out := newApp(configFor(t, srv), "")
	require.NoError(t, app.Dispatch(context.Background(), "upload-esp", []string{image}))
	assert.Contains(t, out.String(), "Uploaded 4096 bytes of 4096, 100% uploaded... please wait\n")
	assert.True(t, strings.HasSuffix(out.String(), "ESP firmware update completed! Rebooting...\n"))
}

func TestDump(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "capture.cbor")
	r, err := LogStream.NewRecorder(capture, "s1", nil)
	require.NoError(t, err)
	r.Append("Web server initialized\n")
	require.NoError(t, r.Close())

	app, out := newApp(&Config.Config{}, "")
	require.NoError(t, app.Dispatch(context.Background(), "dump", []string{capture}))
	assert.Contains(t, out.String(), "[s1] Web server initialized\n")

	err = app.Dispatch(context.Background(), "dump", []string{filepath.Join(t.TempDir(), "none")})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConsole_EndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"arduino"}}
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
			switch string(data) {
			case "start_reading_logs":
				_ = conn.WriteMessage(websocket.TextMessage, []byte("heap ok\n"))
			case "reboot_arduino":
				_ = conn.WriteMessage(websocket.TextMessage, []byte("DONE"))
			}
		}
	}))
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.CaptureFile = filepath.Join(t.TempDir(), "capture.cbor")
	in, feed := io.Pipe()
	out := &syncBuffer{}
	app := &App{cfg: cfg, in: in, out: out, logger: zap.NewNop()}

	errs := make(chan error, 1)
	go func() { errs <- app.Dispatch(context.Background(), "console", nil) }()

	send := func(line string) {
		_, err := io.WriteString(feed, line+"\n")
		require.NoError(t, err)
	}

	send("logs")
	require.Equal(t, "start_reading_logs", <-received)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "heap ok\n") }, 2*time.Second, 10*time.Millisecond)

	send("reboot")
	require.Equal(t, "reboot_arduino", <-received)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "[ok] DONE") }, 2*time.Second, 10*time.Millisecond)

	send("quit")
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("console did not exit")
	}

	f, err := os.Open(cfg.CaptureFile)
	require.NoError(t, err)
	defer f.Close()
	entries, err := LogStream.ReadEntries(f)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "heap ok", entries[0].Msg)
}
