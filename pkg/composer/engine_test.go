package composer_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/privateai/sidecar/pkg/composer"
	"github.com/privateai/sidecar/pkg/sidecar"
)

var _ = Describe("BuildEngine", func() {
	var (
		ctx      context.Context
		base     string
		srv      *httptest.Server
		lastBody []byte
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		base, err = os.MkdirTemp("", "privateai-engine-*")
		Expect(err).NotTo(HaveOccurred())
		Expect(composer.EnsureStorageLayout(base)).To(Succeed())

		old, had := os.LookupEnv("PRIVATE_AI_MODEL_PATH")
		Expect(os.Unsetenv("PRIVATE_AI_MODEL_PATH")).To(Succeed())
		DeferCleanup(func() {
			if had {
				os.Setenv("PRIVATE_AI_MODEL_PATH", old)
			}
		})

		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"local",`+
				`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
		}))
	})

	AfterEach(func() {
		srv.Close()
		os.RemoveAll(base)
	})

	validConfig := func() *composer.ConfigFile {
		conf := composer.DefaultConfig()
		conf.BaseDir = base
		Expect(conf.Validate()).To(Succeed())
		return conf
	}

	It("connects to an external engine and sends the default sampling parameters", func() {
		conf := validConfig()
		conf.Engine.URL = srv.URL + "/"

		engine, err := composer.BuildEngine(ctx, conf)
		Expect(err).NotTo(HaveOccurred())
		defer engine.Close()
		Expect(engine.ModelPath).To(Equal(srv.URL))
		Expect(engine.Done()).To(BeNil())

		completion, err := engine.Complete(ctx, []sidecar.Message{{Role: sidecar.RoleUser, Content: "ping"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(completion.Content.Text()).To(Equal("pong"))
		Expect(gjson.GetBytes(lastBody, "temperature").Float()).To(Equal(0.7))
		Expect(gjson.GetBytes(lastBody, "max_tokens").Int()).To(Equal(int64(512)))
	})

	It("reports the resolved model for an external engine", func() {
		conf := validConfig()
		conf.Engine.URL = srv.URL
		model := base + "/Models/" + composer.DefaultModelFilename
		Expect(os.WriteFile(model, []byte("gguf"), 0o644)).To(Succeed())

		engine, err := composer.BuildEngine(ctx, conf)
		Expect(err).NotTo(HaveOccurred())
		defer engine.Close()
		Expect(engine.ModelPath).To(Equal(model))
	})

	It("fails without a model when it has to start llama-server", func() {
		conf := validConfig()

		_, err := composer.BuildEngine(ctx, conf)
		Expect(errors.Is(err, composer.ErrNoModel)).To(BeTrue())
	})

	It("fails when the external engine is unreachable", func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := l.Addr().String()
		Expect(l.Close()).To(Succeed())

		conf := validConfig()
		conf.Engine.URL = "http://" + addr
		conf.Engine.StartupTimeout = "1s"

		_, err = composer.BuildEngine(ctx, conf)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("not healthy"))
	})

	It("fails when the external engine never reports healthy", func() {
		unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer unhealthy.Close()

		conf := validConfig()
		conf.Engine.URL = unhealthy.URL
		conf.Engine.StartupTimeout = "1s"

		_, err := composer.BuildEngine(ctx, conf)
		Expect(err).To(MatchError(ContainSubstring("health status 503")))
	})
})
