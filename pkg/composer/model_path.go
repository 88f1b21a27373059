package composer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultModelFilename = "gemma-1b-it-q4_0.gguf"

// StorageDirs are created under the base directory at startup.
var StorageDirs = []string{"Chats", "Config", "Models", "Logs", "Index"}

var ErrNoModel = errors.New("no model file found")

// DefaultBaseDir is ~/PrivateAI.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, "PrivateAI"), nil
}

// EnsureStorageLayout creates base and its StorageDirs.
func EnsureStorageLayout(base string) error {
	for _, name := range StorageDirs {
		if err := os.MkdirAll(filepath.Join(base, name), 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// ResolveModelPath returns the first existing candidate of: explicit, envPath,
// <base>/Models/DefaultModelFilename, and the first *.gguf in <base>/Models
// by name.
func ResolveModelPath(explicit, envPath, base string) (string, error) {
	modelsDir := filepath.Join(base, "Models")
	for _, candidate := range []string{explicit, envPath, filepath.Join(modelsDir, DefaultModelFilename)} {
		if candidate == "" {
			continue
		}
		if isFile(candidate) {
			return filepath.Abs(candidate)
		}
	}

	entries, err := os.ReadDir(modelsDir)
	if err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		if len(names) > 0 {
			return filepath.Abs(filepath.Join(modelsDir, names[0]))
		}
	}

	return "", fmt.Errorf("%w: place a GGUF under %s or set PRIVATE_AI_MODEL_PATH", ErrNoModel, modelsDir)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
