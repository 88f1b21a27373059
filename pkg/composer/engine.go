package composer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/privateai/sidecar/pkg/engines/client"
	"github.com/privateai/sidecar/pkg/engines/runner"
	"github.com/privateai/sidecar/pkg/sidecar"
	"github.com/sirupsen/logrus"
)

const externalHealthTimeout = 2 * time.Second

// Engine is the inference engine the sidecar owns for its lifetime, together
// with the model it serves.
type Engine struct {
	sidecar.Engine
	ModelPath string

	server *runner.LlamaServer
}

// Done is closed when a child llama-server exits. It is nil for an external
// engine.
func (e *Engine) Done() <-chan struct{} {
	if e.server == nil {
		return nil
	}
	return e.server.Done()
}

// Close stops the child llama-server, if any.
func (e *Engine) Close() error {
	if e.server == nil {
		return nil
	}
	return e.server.Close()
}

// BuildEngine resolves the model and connects to the engine: either the
// configured external URL or a llama-server child started here. Both must
// answer /health within engine.startup_timeout. conf must have been
// validated.
func BuildEngine(ctx context.Context, conf *ConfigFile) (*Engine, error) {
	e := &Engine{}
	baseURL := strings.TrimRight(conf.Engine.URL, "/")

	modelPath, err := ResolveModelPath(conf.Model.Path, os.Getenv("PRIVATE_AI_MODEL_PATH"), conf.BaseDir)
	switch {
	case err == nil:
		e.ModelPath = modelPath
	case baseURL != "":
		// the external engine has its own model
		e.ModelPath = conf.Model.Path
		if e.ModelPath == "" {
			e.ModelPath = baseURL
		}
		logrus.WithContext(ctx).Warnf("[composer] %v, reporting %s as the model", err, e.ModelPath)
	default:
		return nil, err
	}

	if baseURL == "" {
		timeout, _ := conf.Engine.StartupTimeoutDuration()
		logPath := conf.Engine.LogPath
		if logPath == "" {
			logPath = filepath.Join(conf.BaseDir, "Logs", "llama-server.log")
		}
		server, err := runner.Start(ctx, runner.LlamaServerConfig{
			Binary:         conf.Engine.Binary,
			ModelPath:      e.ModelPath,
			ContextSize:    conf.Engine.ContextSize,
			GPULayers:      conf.Engine.GPULayers,
			Threads:        conf.Engine.Threads,
			LogPath:        logPath,
			StartupTimeout: timeout,
			ExtraArgs:      conf.Engine.ExtraArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("start llama-server: %w", err)
		}
		e.server = server
		baseURL = server.BaseURL()
	}

	httpClient, err := NewEngineHTTPClient(conf.Engine.HTTPProxy, LoggingTransport)
	if err != nil {
		e.Close()
		return nil, err
	}
	if e.server == nil {
		timeout, _ := conf.Engine.StartupTimeoutDuration()
		healthClient := &http.Client{Transport: httpClient.Transport, Timeout: externalHealthTimeout}
		if err := runner.WaitHealthy(ctx, healthClient, baseURL, timeout); err != nil {
			return nil, err
		}
	}
	oc, err := client.NewOpenAIEngine(client.OpenAIEngineConfig{
		BaseURL:         baseURL + "/v1",
		APIKey:          conf.Engine.APIKey,
		Model:           conf.Engine.ModelName,
		ExtraHeaders:    conf.Engine.ExtraHeaders,
		HTTPClient:      httpClient,
		RequestRewrites: conf.Engine.RequestRewrites,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Engine = oc
	logrus.WithContext(ctx).Infof("[composer] engine at %s, model %s", baseURL, e.ModelPath)
	return e, nil
}
