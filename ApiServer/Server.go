package ApiServer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"EspConsole/CommandChannel"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of a session the API drives.
type Controller interface {
	Snapshot() CommandChannel.Snapshot
	ToggleLogs() error
	UploadArduinoFirmware(path string) error
	RebootArduino() error
	SendArduinoCommand(text string) error
}

type StatusSource interface {
	Current() CommandChannel.StatusEntry
}

type TailSource interface {
	String() string
}

// ApiServer exposes the live session to local tools over HTTP.
type ApiServer struct {
	session Controller
	status  StatusSource
	tail    TailSource
	logger  *zap.Logger
}

func NewApiServer(session Controller, status StatusSource, tail TailSource, logger *zap.Logger) *ApiServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApiServer{
		session: session,
		status:  status,
		tail:    tail,
		logger:  logger,
	}
}

type uploadRequest struct {
	Path string `json:"path" binding:"required"`
}

type commandRequest struct {
	Text string `json:"text" binding:"required"`
}

type statusResponse struct {
	Session CommandChannel.Snapshot    `json:"session"`
	Status  CommandChannel.StatusEntry `json:"status"`
}

func (s *ApiServer) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/status", s.statusHandler)
	router.GET("/logs", s.logsHandler)
	router.POST("/logs/toggle", s.toggleLogsHandler)

	arduino := router.Group("/arduino")
	arduino.POST("/upload", s.uploadHandler)
	arduino.POST("/reboot", s.rebootHandler)
	arduino.POST("/command", s.commandHandler)
	return router
}

// Run serves on addr until ctx is cancelled.
func (s *ApiServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ApiServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("API request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *ApiServer) statusHandler(c *gin.Context) {
	res := statusResponse{Session: s.session.Snapshot()}
	if s.status != nil {
		res.Status = s.status.Current()
	}
	c.JSON(http.StatusOK, res)
}

func (s *ApiServer) logsHandler(c *gin.Context) {
	tail := ""
	if s.tail != nil {
		tail = s.tail.String()
	}
	c.String(http.StatusOK, "%s", tail)
}

func (s *ApiServer) toggleLogsHandler(c *gin.Context) {
	s.reply(c, http.StatusOK, s.session.ToggleLogs())
}

func (s *ApiServer) uploadHandler(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reply(c, http.StatusAccepted, s.session.UploadArduinoFirmware(req.Path))
}

func (s *ApiServer) rebootHandler(c *gin.Context) {
	s.reply(c, http.StatusAccepted, s.session.RebootArduino())
}

func (s *ApiServer) commandHandler(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.reply(c, http.StatusAccepted, s.session.SendArduinoCommand(req.Text))
}

// reply answers with the session snapshot, or maps err to a status code.
func (s *ApiServer) reply(c *gin.Context, okStatus int, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Command failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(okStatus, s.session.Snapshot())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, CommandChannel.ErrCommandInProgress):
		return http.StatusConflict
	case errors.Is(err, CommandChannel.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, CommandChannel.ErrEmptyPath), errors.Is(err, CommandChannel.ErrEmptyCommand):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
