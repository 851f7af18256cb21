package DeviceHttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// Progress is one upload progress event. Loaded and Total count the whole
// multipart body, FileSize only the firmware image.
type Progress struct {
	Loaded   int64 `json:"loaded"`
	Total    int64 `json:"total"`
	FileSize int64 `json:"file_size"`
}

// FileBytes is the number of image bytes sent, with the form overhead taken out.
func (p Progress) FileBytes() int64 {
	loaded := p.Loaded - (p.Total - p.FileSize)
	if loaded < 0 {
		return 0
	}
	return loaded
}

func (p Progress) Percent() int {
	if p.FileSize <= 0 {
		return 0
	}
	return int(math.Round(float64(p.FileBytes()) / float64(p.FileSize) * 100))
}

func (p Progress) String() string {
	return fmt.Sprintf("Uploaded %d bytes of %d", p.FileBytes(), p.FileSize)
}

func (p Progress) StatusText() string {
	return fmt.Sprintf("%d%% uploaded... please wait", p.Percent())
}

// UploadResult is the device's answer to a finished upload. StatusText is the
// response body verbatim.
type UploadResult struct {
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

type progressReader struct {
	r        io.Reader
	loaded   int64
	total    int64
	fileSize int64
	report   func(Progress)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.loaded += int64(n)
		if pr.report != nil {
			pr.report(Progress{Loaded: pr.loaded, Total: pr.total, FileSize: pr.fileSize})
		}
	}
	return n, err
}

// UploadEspFirmware flashes a new image to the ESP via POST /update. The
// file_size field must precede the file so the device can reserve space.
// onProgress may be nil.
func (c *Client) UploadEspFirmware(ctx context.Context, path string, onProgress func(Progress)) (UploadResult, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return UploadResult{}, err
	}
	fileSize := int64(len(image))

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("file_size", strconv.FormatInt(fileSize, 10)); err != nil {
		return UploadResult{}, err
	}
	part, err := form.CreateFormFile("uploaded_file", filepath.Base(path))
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(image); err != nil {
		return UploadResult{}, err
	}
	if err := form.Close(); err != nil {
		return UploadResult{}, err
	}

	total := int64(body.Len())
	reader := &progressReader{r: &body, total: total, fileSize: fileSize, report: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update", reader)
	if err != nil {
		return UploadResult{}, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", form.FormDataContentType())

	c.logger.Info("Uploading ESP firmware", zap.String("file", path), zap.Int64("file_size", fileSize))
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			c.logger.Warn("ESP firmware upload aborted", zap.Error(err))
			return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadAborted, err)
		}
		c.logger.Error("ESP firmware upload failed", zap.Error(err))
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer res.Body.Close()

	text, err := io.ReadAll(res.Body)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	result := UploadResult{StatusCode: res.StatusCode, StatusText: string(text)}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Error("Device rejected ESP firmware", zap.Int("status", res.StatusCode), zap.String("body", result.StatusText))
		return result, rejected(res.StatusCode, text)
	}
	c.logger.Info("ESP firmware uploaded", zap.String("status_text", result.StatusText))
	return result, nil
}
