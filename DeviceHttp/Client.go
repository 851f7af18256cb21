package DeviceHttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	AlertWifiReset = `WiFi settings cleared, ESP is rebooting. Connect to WiFi access point "SAD-Lamp_AP" to configure WiFi settings`
	AlertRebooting = "ESP is rebooting..."
)

var (
	ErrUploadFailed   = errors.New("Upload Failed!")
	ErrUploadAborted  = errors.New("Upload Aborted!")
	ErrDeviceRejected = errors.New("device rejected request")
)

// Client talks to the device web server on port 80.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for baseURL (http://host:port). A nil httpClient
// gets a default with no overall timeout so long uploads are not cut short.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 2 * time.Minute}}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With(zap.String("device", baseURL)),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ResetWifiSettings clears the stored credentials. The device reboots into
// access point mode right after replying.
func (c *Client) ResetWifiSettings(ctx context.Context) error {
	c.logger.Info("Resetting WiFi settings")
	_, err := c.post(ctx, "/reset_wifi_settings")
	return err
}

// RebootEsp schedules a reboot of the ESP itself.
func (c *Client) RebootEsp(ctx context.Context) error {
	c.logger.Info("Rebooting ESP")
	_, err := c.post(ctx, "/reboot_esp")
	return err
}

func (c *Client) post(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	return c.do(req)
}

// do sends req and returns the body. Non-2xx answers become ErrDeviceRejected
// carrying the body the firmware sent.
func (c *Client) do(req *http.Request) (string, error) {
	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("Request failed", zap.String("path", req.URL.Path), zap.Error(err))
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return string(body), rejected(res.StatusCode, body)
	}
	return string(body), nil
}

func rejected(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("%w: %d %s", ErrDeviceRejected, status, msg)
}
