package composer_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privateai/sidecar/pkg/composer"
)

var _ = Describe("ResolveModelPath", func() {
	var (
		base      string
		modelsDir string
	)

	BeforeEach(func() {
		var err error
		base, err = os.MkdirTemp("", "privateai-base-*")
		Expect(err).NotTo(HaveOccurred())
		Expect(composer.EnsureStorageLayout(base)).To(Succeed())
		modelsDir = filepath.Join(base, "Models")
	})

	AfterEach(func() {
		os.RemoveAll(base)
	})

	touch := func(path string) string {
		Expect(os.WriteFile(path, []byte("gguf"), 0o644)).To(Succeed())
		return path
	}

	It("creates the storage layout", func() {
		for _, name := range composer.StorageDirs {
			fi, err := os.Stat(filepath.Join(base, name))
			Expect(err).NotTo(HaveOccurred())
			Expect(fi.IsDir()).To(BeTrue())
		}
	})

	It("prefers an existing explicit path", func() {
		explicit := touch(filepath.Join(base, "explicit.gguf"))
		env := touch(filepath.Join(base, "env.gguf"))
		touch(filepath.Join(modelsDir, composer.DefaultModelFilename))

		path, err := composer.ResolveModelPath(explicit, env, base)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(explicit))
	})

	It("falls back to the env path when the explicit one is missing", func() {
		env := touch(filepath.Join(base, "env.gguf"))

		path, err := composer.ResolveModelPath(filepath.Join(base, "missing.gguf"), env, base)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(env))
	})

	It("falls back to the default model file", func() {
		def := touch(filepath.Join(modelsDir, composer.DefaultModelFilename))
		touch(filepath.Join(modelsDir, "a.gguf"))

		path, err := composer.ResolveModelPath("", "", base)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(def))
	})

	It("falls back to the first gguf by name", func() {
		touch(filepath.Join(modelsDir, "b.gguf"))
		first := touch(filepath.Join(modelsDir, "a.GGUF"))
		touch(filepath.Join(modelsDir, "notes.txt"))

		path, err := composer.ResolveModelPath("", "", base)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(first))
	})

	It("fails when no model exists", func() {
		touch(filepath.Join(modelsDir, "notes.txt"))

		_, err := composer.ResolveModelPath("", filepath.Join(base, "missing.gguf"), base)
		Expect(errors.Is(err, composer.ErrNoModel)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(modelsDir))
	})
})
