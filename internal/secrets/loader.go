package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// DotenvLoader returns a Loader that rereads path on every call. A key set
// in the file wins over the process environment, which only reflects the
// file as it was at startup. A missing file falls back to the environment.
func DotenvLoader(path string, keys ...string) Loader {
	env := EnvLoader(keys...)
	return func() (map[string]string, error) {
		vals, _ := env()
		file, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return vals, nil
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for _, k := range keys {
			if v := file[k]; v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
