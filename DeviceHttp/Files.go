package DeviceHttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var ErrBadPath = errors.New("bad path")

// FileInfo is one entry of a directory listing on the device filesystem.
type FileInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (f FileInfo) IsDir() bool {
	return f.Type == "dir"
}

type listEntry struct {
	Type string `json:"type"`
	Size string `json:"size"`
	Name string `json:"name"`
}

// ListFiles returns the entries of dir, names without the leading slash.
func (c *Client) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	if dir == "" {
		dir = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list?"+url.Values{"dir": {dir}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return parseListing(body)
}

func parseListing(body string) ([]FileInfo, error) {
	body = strings.TrimSpace(body)
	// the firmware drops the opening bracket when the directory is empty
	if body == "]" || body == "[]" || body == "" {
		return []FileInfo{}, nil
	}
	var entries []listEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info := FileInfo{Type: e.Type, Name: e.Name}
		if e.Size != "" {
			size, err := strconv.ParseInt(e.Size, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decoding size of %q: %w", e.Name, err)
			}
			info.Size = size
		}
		files = append(files, info)
	}
	return files, nil
}

// UploadFile copies local to remote on the device filesystem. An empty remote
// puts the file at the root under its own name.
func (c *Client) UploadFile(ctx context.Context, local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	if remote == "" {
		remote = filepath.Base(local)
	}
	remote = path.Clean("/" + remote)
	if remote == "/" {
		return ErrBadPath
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	// the device takes the destination path from the part's filename
	part, err := form.CreateFormFile("data", remote)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/edit", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.logger.Info("Uploading file", zap.String("local", local), zap.String("remote", remote), zap.Int("bytes", len(data)))
	_, err = c.do(req)
	return err
}

// DeleteFile removes path (recursively for folders) and returns the nearest
// remaining parent as reported by the device.
func (c *Client) DeleteFile(ctx context.Context, target string) (string, error) {
	if target == "" || target == "/" {
		return "", ErrBadPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/edit?"+url.Values{"path": {target}}.Encode(), nil)
	if err != nil {
		return "", err
	}
	c.logger.Info("Deleting file", zap.String("path", target))
	return c.do(req)
}
