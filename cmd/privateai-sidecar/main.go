package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/privateai/sidecar/pkg/composer"
	"github.com/privateai/sidecar/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const sidecarLongDesc string = `Serve a local GGUF model to the PrivateAI desktop app over HTTP.

Starts llama-server with the resolved model (or connects to an already running
OpenAI-compatible engine) and exposes:

  GET  /health        status and the loaded model path
  POST /chat          one-shot reply
  POST /chat/stream   server-sent token stream

Settings are read from flags, then PRIVATE_AI_* environment variables, then
the config file, then defaults.

Examples:
  privateai-sidecar --model ~/PrivateAI/Models/gemma-1b-it-q4_0.gguf
  privateai-sidecar --engine-url http://127.0.0.1:8081 --port 32121`

type sidecarCommander struct {
	configPath  string
	host        string
	port        int
	model       string
	baseDir     string
	contextSize int
	gpuLayers   int
	threads     int
	llamaServer string
	engineURL   string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	return (&sidecarCommander{}).command()
}

func (c *sidecarCommander) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "privateai-sidecar",
		Short:         "Local LLM chat sidecar",
		Long:          sidecarLongDesc,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&c.configPath, "config", "c", "", "Path to a YAML config file")
	f.StringVar(&c.host, "host", composer.DefaultHost, "Host to bind")
	f.IntVar(&c.port, "port", composer.DefaultPort, "Port to bind")
	f.StringVar(&c.model, "model", "", "Path to the GGUF model")
	f.StringVar(&c.baseDir, "base-dir", "", "PrivateAI storage directory (default ~/PrivateAI)")
	f.IntVar(&c.contextSize, "ctx", composer.DefaultContextSize, "Context window size in tokens")
	f.IntVar(&c.gpuLayers, "gpu-layers", 0, "Number of layers to offload to the GPU")
	f.IntVar(&c.threads, "threads", 0, "Engine threads (default number of CPUs)")
	f.StringVar(&c.llamaServer, "llama-server", "", "llama-server binary (default llama-server on PATH)")
	f.StringVar(&c.engineURL, "engine-url", "", "Use a running OpenAI-compatible engine instead of starting llama-server")
	f.StringVar(&c.logLevel, "log-level", "info", "Log level")

	return cmd
}

// loadConfig layers the config file, the environment and the flags that were
// set explicitly.
func (c *sidecarCommander) loadConfig(cmd *cobra.Command) (*composer.ConfigFile, error) {
	conf, err := composer.ReadConfigFile(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	f := cmd.Flags()
	if f.Changed("host") {
		conf.Host = c.host
	}
	if f.Changed("port") {
		conf.Port = c.port
	}
	if f.Changed("model") {
		conf.Model.Path = c.model
	}
	if f.Changed("base-dir") {
		conf.BaseDir = c.baseDir
	}
	if f.Changed("ctx") {
		conf.Engine.ContextSize = c.contextSize
	}
	if f.Changed("gpu-layers") {
		conf.Engine.GPULayers = c.gpuLayers
	}
	if f.Changed("threads") {
		conf.Engine.Threads = c.threads
	}
	if f.Changed("llama-server") {
		conf.Engine.Binary = c.llamaServer
	}
	if f.Changed("engine-url") {
		conf.Engine.URL = c.engineURL
	}
	if f.Changed("log-level") {
		conf.Log.Level = c.logLevel
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}

func (c *sidecarCommander) run(ctx context.Context, cmd *cobra.Command) error {
	conf, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.Setup(cmd.ErrOrStderr(), conf.Log.Level, conf.Log.Format); err != nil {
		return err
	}
	if logrus.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := composer.EnsureStorageLayout(conf.BaseDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := composer.BuildEngine(ctx, conf)
	if err != nil {
		return err
	}

	return NewServer(conf, engine).Run(ctx)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("privateai-sidecar failed")
	}
}
