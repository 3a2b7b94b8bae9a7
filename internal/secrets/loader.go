package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// JWTSecret is the vault key of the token signing secret.
const JWTSecret = "jwt_secret"

// FileLoader returns a Loader that reads key from the file at path, with
// surrounding whitespace trimmed. An empty file is an error.
func FileLoader(key, path string) Loader {
	return func() (map[string]string, error) {
		b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return nil, errors.New("secret file " + path + " is empty")
		}
		return map[string]string{key: v}, nil
	}
}

// StaticLoader returns a Loader that always yields key=value.
func StaticLoader(key, value string) Loader {
	return func() (map[string]string, error) {
		return map[string]string{key: value}, nil
	}
}
