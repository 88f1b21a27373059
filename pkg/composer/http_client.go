package composer

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// NewEngineHTTPClient builds the client used to talk to the engine. An empty
// proxyURL keeps the environment proxy settings, which never apply to
// loopback addresses. If trWrapper is non-nil it wraps the base transport.
// The client has no overall timeout because streamed generations are long.
func NewEngineHTTPClient(proxyURL string, trWrapper func(base http.RoundTripper) http.RoundTripper) (*http.Client, error) {
	baseTr := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse engine http proxy: %w", err)
		}
		baseTr.Proxy = http.ProxyURL(u)
	}

	var tr http.RoundTripper = baseTr
	if trWrapper != nil {
		tr = trWrapper(baseTr)
	}

	return &http.Client{Transport: tr}, nil
}

// LoggingTransport logs every engine round trip at debug level.
func LoggingTransport(base http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := base.RoundTrip(req)
		entry := logrus.WithContext(req.Context())
		if err != nil {
			entry.Debugf("[engine-http] %s %s failed after %s: %v", req.Method, req.URL.Path, time.Since(start), err)
			return nil, err
		}
		entry.Debugf("[engine-http] %s %s -> %d in %s", req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
		return resp, nil
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
