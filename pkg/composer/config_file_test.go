package composer_test

import (
	"os"
	"path/filepath"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privateai/sidecar/pkg/composer"
	"github.com/privateai/sidecar/pkg/engines"
	"github.com/privateai/sidecar/pkg/sidecar"
)

var _ = Describe("ConfigFile", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "privateai-config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	envOf := func(vars map[string]string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			v, ok := vars[key]
			return v, ok
		}
	}

	It("returns the defaults without a file", func() {
		conf, err := composer.ReadConfigFile("")
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.Host).To(Equal("127.0.0.1"))
		Expect(conf.Port).To(Equal(32121))
		Expect(conf.Engine.ContextSize).To(Equal(4096))
		Expect(conf.Engine.GPULayers).To(Equal(0))
		Expect(conf.SystemPrompt).To(Equal(sidecar.DefaultSystemPrompt))
		Expect(conf.MaxBodyBytes).To(Equal(int64(sidecar.DefaultMaxBodyBytes)))
	})

	It("reads a yaml file over the defaults", func() {
		path := filepath.Join(tmpDir, "config.yaml")
		Expect(os.WriteFile(path, []byte(`
port: 9000
engine:
  context_size: 2048
  extra_args: ["--flash-attn"]
  request_rewrites:
    set_keys:
      temperature: 0.2
`), 0o644)).To(Succeed())

		conf, err := composer.ReadConfigFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.Host).To(Equal("127.0.0.1"))
		Expect(conf.Port).To(Equal(9000))
		Expect(conf.Engine.ContextSize).To(Equal(2048))
		Expect(conf.Engine.ExtraArgs).To(Equal([]string{"--flash-attn"}))

		conf.BaseDir = tmpDir
		Expect(conf.Validate()).To(Succeed())
		Expect(conf.Engine.RequestRewrites.SetKeys).To(HaveKeyWithValue("temperature", 0.2))
		Expect(conf.Engine.RequestRewrites.SetKeys).To(HaveKeyWithValue("max_tokens", 512))
	})

	It("fails on a missing or broken file", func() {
		_, err := composer.ReadConfigFile(filepath.Join(tmpDir, "missing.yaml"))
		Expect(err).To(HaveOccurred())

		path := filepath.Join(tmpDir, "broken.yaml")
		Expect(os.WriteFile(path, []byte("port: [nope"), 0o644)).To(Succeed())
		_, err = composer.ReadConfigFile(path)
		Expect(err).To(HaveOccurred())
	})

	It("applies environment variables", func() {
		conf := composer.DefaultConfig()
		Expect(conf.ApplyEnv(envOf(map[string]string{
			"PRIVATE_AI_HOST":           "0.0.0.0",
			"PRIVATE_AI_PORT":           "40000",
			"PRIVATE_AI_CONTEXT_LENGTH": "8192",
			"PRIVATE_AI_GPU_LAYERS":     "35",
			"PRIVATE_AI_LLAMA_THREADS":  "4",
			"PRIVATE_AI_BASE_DIR":       tmpDir,
			"PRIVATE_AI_ENGINE_URL":     "http://127.0.0.1:8081",
		}))).To(Succeed())

		Expect(conf.Host).To(Equal("0.0.0.0"))
		Expect(conf.Port).To(Equal(40000))
		Expect(conf.Engine.ContextSize).To(Equal(8192))
		Expect(conf.Engine.GPULayers).To(Equal(35))
		Expect(conf.Engine.Threads).To(Equal(4))
		Expect(conf.BaseDir).To(Equal(tmpDir))
		Expect(conf.Engine.URL).To(Equal("http://127.0.0.1:8081"))
	})

	It("rejects a non-numeric environment value", func() {
		conf := composer.DefaultConfig()
		err := conf.ApplyEnv(envOf(map[string]string{"PRIVATE_AI_PORT": "eighty"}))
		Expect(err).To(MatchError(ContainSubstring("PRIVATE_AI_PORT")))
	})

	It("fills derived values on Validate", func() {
		conf := composer.DefaultConfig()
		conf.BaseDir = tmpDir
		Expect(conf.Validate()).To(Succeed())
		Expect(conf.Engine.Threads).To(Equal(max(1, runtime.NumCPU())))
		Expect(conf.Engine.RequestRewrites.SetKeys).To(HaveKeyWithValue("temperature", 0.7))
		Expect(conf.Engine.RequestRewrites.SetKeys).To(HaveKeyWithValue("max_tokens", 512))
	})

	DescribeTable("rejects invalid settings",
		func(mutate func(*composer.ConfigFile)) {
			conf := composer.DefaultConfig()
			conf.BaseDir = tmpDir
			mutate(conf)
			Expect(conf.Validate()).NotTo(Succeed())
		},
		Entry("port zero", func(c *composer.ConfigFile) { c.Port = 0 }),
		Entry("port too large", func(c *composer.ConfigFile) { c.Port = 70000 }),
		Entry("empty host", func(c *composer.ConfigFile) { c.Host = "" }),
		Entry("negative threads", func(c *composer.ConfigFile) { c.Engine.Threads = -1 }),
		Entry("bad startup timeout", func(c *composer.ConfigFile) { c.Engine.StartupTimeout = "soon" }),
		Entry("bad log level", func(c *composer.ConfigFile) { c.Log.Level = "loud" }),
		Entry("bad rewrite expr", func(c *composer.ConfigFile) {
			c.Engine.RequestRewrites = &engines.RewritePolicy{
				SetKeysByExpr: map[string]string{"max_tokens": "NoSuchField * 2"},
			}
		}),
	)
})
