package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBinary         = "llama-server"
	DefaultHost           = "127.0.0.1"
	DefaultStartupTimeout = 2 * time.Minute

	stopGracePeriod = 5 * time.Second
	healthTimeout   = 2 * time.Second
)

type LlamaServerConfig struct {
	Binary      string
	ModelPath   string
	ContextSize int
	GPULayers   int
	Threads     int
	Host        string
	// Port 0 picks a free port on Host.
	Port int
	// LogPath receives the child's stdout and stderr. Empty means the debug log.
	LogPath        string
	StartupTimeout time.Duration
	ExtraArgs      []string
	// HTTPClient is used for health checks.
	HTTPClient *http.Client
}

// LlamaServer is a llama-server child process serving one model over the
// OpenAI-compatible API.
type LlamaServer struct {
	conf    LlamaServerConfig
	cmd     *exec.Cmd
	out     io.WriteCloser
	baseURL string

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Start launches llama-server and blocks until its /health endpoint reports
// ready, the process exits, the startup timeout passes, or ctx is done. The
// process is stopped on every failure.
func Start(ctx context.Context, conf LlamaServerConfig) (*LlamaServer, error) {
	if conf.ModelPath == "" {
		return nil, errors.New("model path is required")
	}
	if _, err := os.Stat(conf.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if conf.Binary == "" {
		conf.Binary = DefaultBinary
	}
	binary, err := exec.LookPath(conf.Binary)
	if err != nil {
		return nil, fmt.Errorf("find llama-server binary: %w", err)
	}
	if conf.Host == "" {
		conf.Host = DefaultHost
	}
	if conf.Port == 0 {
		if conf.Port, err = freePort(conf.Host); err != nil {
			return nil, fmt.Errorf("pick port for llama-server: %w", err)
		}
	}
	if conf.StartupTimeout <= 0 {
		conf.StartupTimeout = DefaultStartupTimeout
	}
	if conf.HTTPClient == nil {
		conf.HTTPClient = &http.Client{Timeout: healthTimeout}
	}

	out, err := openOutput(conf.LogPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, buildArgs(conf)...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("start llama-server: %w", err)
	}

	s := &LlamaServer{
		conf:    conf,
		cmd:     cmd,
		out:     out,
		baseURL: "http://" + net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port)),
		exited:  make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	logrus.WithContext(ctx).Infof("[llama-server] started pid %d on %s", cmd.Process.Pid, s.baseURL)

	if err := s.waitReady(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logrus.WithContext(ctx).Infof("[llama-server] ready, model %s", conf.ModelPath)
	return s, nil
}

func buildArgs(conf LlamaServerConfig) []string {
	args := []string{
		"-m", conf.ModelPath,
		"--host", conf.Host,
		"--port", strconv.Itoa(conf.Port),
	}
	if conf.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(conf.ContextSize))
	}
	args = append(args, "-ngl", strconv.Itoa(conf.GPULayers))
	if conf.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(conf.Threads))
	}
	return append(args, conf.ExtraArgs...)
}

func openOutput(logPath string) (io.WriteCloser, error) {
	if logPath == "" {
		return logrus.StandardLogger().WriterLevel(logrus.DebugLevel), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open llama-server log: %w", err)
	}
	return f, nil
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

var errExited = errors.New("process exited")

func (s *LlamaServer) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.conf.StartupTimeout)
	defer cancel()

	err := pollHealth(ctx, s.conf.HTTPClient, s.baseURL, s.exited)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExited):
		return fmt.Errorf("llama-server exited during startup: %v%s", s.waitErr, s.logHint())
	default:
		return fmt.Errorf("llama-server not ready: %w%s", err, s.logHint())
	}
}

// WaitHealthy blocks until the engine at baseURL answers /health with 200 or
// the timeout passes.
func WaitHealthy(ctx context.Context, httpClient *http.Client, baseURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: healthTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pollHealth(ctx, httpClient, baseURL, nil); err != nil {
		return fmt.Errorf("engine at %s not healthy: %w", baseURL, err)
	}
	return nil
}

// pollHealth polls /health with a growing delay between attempts. A nil
// exited never fires.
func pollHealth(ctx context.Context, httpClient *http.Client, baseURL string, exited <-chan struct{}) error {
	for attempt := 0; ; attempt++ {
		err := CheckHealth(ctx, httpClient, baseURL)
		if err == nil {
			return nil
		}
		logrus.WithContext(ctx).Debugf("[engine-health] %s not ready (attempt %d): %v", baseURL, attempt+1, err)

		delay := 350*time.Millisecond + time.Duration(attempt)*150*time.Millisecond
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
		timer := time.NewTimer(delay)
		select {
		case <-exited:
			timer.Stop()
			return errExited
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (s *LlamaServer) logHint() string {
	if s.conf.LogPath == "" {
		return ""
	}
	return fmt.Sprintf(" (see %s)", s.conf.LogPath)
}

// Health returns nil when llama-server answers /health with 200. It answers
// 503 while the model is loading.
func (s *LlamaServer) Health(ctx context.Context) error {
	return CheckHealth(ctx, s.conf.HTTPClient, s.baseURL)
}

// CheckHealth asks the engine at baseURL for /health once.
func CheckHealth(ctx context.Context, httpClient *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// BaseURL is the root of the server, without the /v1 prefix.
func (s *LlamaServer) BaseURL() string {
	return s.baseURL
}

// Done is closed once the process has exited.
func (s *LlamaServer) Done() <-chan struct{} {
	return s.exited
}

// Close interrupts the process, kills it if it has not exited after a grace
// period, and waits for it.
func (s *LlamaServer) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.exited:
		default:
			s.stop()
		}
		s.out.Close()
	})
	return nil
}

func (s *LlamaServer) stop() {
	if runtime.GOOS != "windows" {
		if err := s.cmd.Process.Signal(os.Interrupt); err == nil {
			select {
			case <-s.exited:
				logrus.Infof("[llama-server] stopped")
				return
			case <-time.After(stopGracePeriod):
				logrus.Warnf("[llama-server] did not stop within %s, killing", stopGracePeriod)
			}
		}
	}
	if err := s.cmd.Process.Kill(); err != nil {
		logrus.Warnf("[llama-server] kill error: %v", err)
	}
	<-s.exited
}
