package engine

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// mergedEnv builds the environment for a tool process: the parent
// environment, then an optional dotenv file, then per-operation
// overrides, later entries winning.
func mergedEnv(envFile string, extra map[string]string) ([]string, error) {
	vars := make(map[string]string)
	if envFile != "" {
		fileVars, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for k, v := range extra {
		vars[k] = v
	}
	out := os.Environ()
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out, nil
}
