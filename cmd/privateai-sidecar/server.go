package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/privateai/sidecar/pkg/composer"
	"github.com/privateai/sidecar/pkg/logging"
	"github.com/privateai/sidecar/pkg/sidecar"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 30 * time.Second
)

type Server struct {
	conf   *composer.ConfigFile
	engine *composer.Engine
	svc    *sidecar.Service
}

func NewServer(conf *composer.ConfigFile, engine *composer.Engine) *Server {
	svc := sidecar.NewService(engine, engine.ModelPath,
		sidecar.WithSystemPrompt(conf.SystemPrompt),
		sidecar.WithMaxBodyBytes(conf.MaxBodyBytes),
	)
	return &Server{conf: conf, engine: engine, svc: svc}
}

// Handler wires the sidecar routes behind the process middlewares. The stream
// endpoint is never compressed so every event reaches the client on flush.
func (s *Server) Handler() http.Handler {
	auth := NewBearerTokenMW(s.conf.AuthToken)
	return s.svc.Handler(
		requestIDMW(),
		accessLogMW(),
		gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{sidecar.PathChatStream})),
		auth.Handle(),
	)
}

// Run serves until ctx is done or the engine exits, then shuts down: the
// listener closes, in-flight requests get shutdownTimeout to finish, and the
// engine is stopped.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.engine.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serve(ctx, l)
}

func (s *Server) serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()
	logrus.Infof("PrivateAI sidecar listening on http://%s (model %s)", l.Addr(), s.svc.ModelPath())

	var runErr error
	select {
	case <-ctx.Done():
		logrus.Infof("shutting down")
	case <-s.engine.Done():
		runErr = errors.New("engine process exited")
		logrus.Error(runErr)
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}
	if err := s.engine.Close(); err != nil {
		logrus.WithError(err).Warn("engine close")
	}
	return runErr
}

func requestIDMW() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLogMW() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}
