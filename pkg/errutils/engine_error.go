package errutils

import (
	"fmt"
)

// EngineRespError indicates an error status returned by the inference engine.
type EngineRespError struct {
	StatusCode int
	Body       []byte
}

func (e *EngineRespError) Error() string {
	return fmt.Sprintf("engine response error: status code %d, body %s", e.StatusCode, string(e.Body))
}

// EngineHTTPError indicates the inference engine could not be reached.
type EngineHTTPError struct {
	Err error
}

func (e *EngineHTTPError) Error() string {
	return fmt.Sprintf("engine http error: err %s", e.Err.Error())
}

func (e *EngineHTTPError) Unwrap() error {
	return e.Err
}
