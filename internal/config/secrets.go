package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadSecrets loads KEY=value pairs from path into the process environment.
// Variables already present in the environment win. A missing file is not an error.
func LoadSecrets(path string) error {
	if path == "" {
		return nil
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load secrets file %s: %w", path, err)
	}
	return nil
}
