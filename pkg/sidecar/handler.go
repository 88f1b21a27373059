package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/privateai/sidecar/pkg/errutils"
	"github.com/sirupsen/logrus"
)

const (
	PathHealth     = "/health"
	PathChat       = "/chat"
	PathChatStream = "/chat/stream"
)

// Handler builds the HTTP handler for the service. mws run before the
// sidecar's own error middleware. A trailing slash on the request path is
// ignored.
func (s *Service) Handler(mws ...gin.HandlerFunc) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mws...)
	s.Routes(r)
	return stripTrailingSlash(r)
}

// Routes registers the sidecar endpoints on r. Anything else answers 404.
// Middleware installed on r after Routes does not apply to these endpoints.
func (s *Service) Routes(r *gin.Engine) {
	r.Use(errutils.ErrorHandlingMiddleware())
	r.GET(PathHealth, s.HealthHandler())
	r.POST(PathChat, s.ChatHandler())
	r.POST(PathChatStream, s.ChatStreamHandler())
	r.NoRoute(NotFoundHandler())
	r.NoMethod(NotFoundHandler())
}

func stripTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
			r.URL.Path = strings.TrimRight(p, "/")
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

// NotFoundHandler answers unknown routes with 404.
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown endpoint"})
	}
}

// HealthHandler never touches the engine, so it answers while a generation
// is running.
func (s *Service) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"model":   s.modelPath,
			"busy":    s.gate.Busy(),
			"waiting": s.gate.Waiting(),
		})
	}
}

// ChatHandler handles POST /chat.
func (s *Service) ChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := s.bindChatRequest(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		messages := req.Normalize(s.systemPrompt)
		logrus.WithContext(ctx).Debugf("chat request: %d messages", len(messages))

		reply, err := s.Reply(ctx, messages)
		if err != nil {
			_ = c.Error(errutils.NewHandlerError(
				fmt.Errorf("reply: %w", err),
				http.StatusInternalServerError, "Generation failed: "+err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	}
}

// ChatStreamHandler handles POST /chat/stream. Validation failures are
// answered with 400 before any header is sent; after that, failures can
// only be reported as an error event.
func (s *Service) ChatStreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := s.bindChatRequest(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		messages := req.Normalize(s.systemPrompt)
		logrus.WithContext(ctx).Debugf("chat stream request: %d messages", len(messages))

		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
		c.Writer.Flush()

		w := &eventWriter{c: c}
		if err := s.StreamReply(ctx, messages, w.write); err != nil {
			logrus.WithContext(ctx).Errorf("stream generation error: %v", err)
		}
	}
}

func (s *Service) bindChatRequest(c *gin.Context) (*ChatRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes))
	if err != nil {
		msg := "Invalid request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "Request body too large"
		}
		_ = c.Error(errutils.NewHandlerError(fmt.Errorf("read body: %w", err), http.StatusBadRequest, msg))
		return nil, false
	}

	req, err := ParseChatRequest(body)
	switch {
	case errors.Is(err, ErrInvalidPayload):
		_ = c.Error(errutils.NewHandlerError(err, http.StatusBadRequest, "Invalid JSON payload"))
		return nil, false
	case errors.Is(err, ErrMissingPrompt):
		_ = c.Error(errutils.NewHandlerError(err, http.StatusBadRequest, "Missing prompt"))
		return nil, false
	case err != nil:
		_ = c.Error(errutils.NewHandlerError(err, http.StatusBadRequest, "Invalid request"))
		return nil, false
	}
	return req, true
}

// eventWriter writes server-sent events and flushes each one.
type eventWriter struct {
	c *gin.Context
}

func (w *eventWriter) write(ev StreamEvent) error {
	if err := w.c.Request.Context().Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	buf := make([]byte, 0, len(b)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, b...)
	buf = append(buf, "\n\n"...)
	if _, err := w.c.Writer.Write(buf); err != nil {
		return err
	}
	w.c.Writer.Flush()
	logrus.WithContext(w.c.Request.Context()).Debugf("Write event: len=%d", len(b))
	return nil
}
