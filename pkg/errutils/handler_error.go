package errutils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type HandlerError struct {
	Err        error  // underlying cause, logged only
	StatusCode int    // HTTP status code
	Message    string // message returned to the client
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func NewHandlerError(err error, status int, msg string) *HandlerError {
	return &HandlerError{
		Err:        err,
		StatusCode: status,
		Message:    msg,
	}
}

// ErrorHandlingMiddleware renders the last error a handler recorded with
// c.Error as {"error": message}. Errors that are not a *HandlerError are
// reported as 500. Nothing is written if the handler already started a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		handlerErr := &HandlerError{}
		if !errors.As(last.Err, &handlerErr) {
			handlerErr = NewHandlerError(last.Err, http.StatusInternalServerError, "Internal Server Error")
		}
		logrus.WithContext(c.Request.Context()).Errorf("Handler error: %v (returned as: %v)", handlerErr.Err, handlerErr.Message)

		c.JSON(handlerErr.StatusCode, gin.H{
			"error": handlerErr.Message,
		})
	}
}
