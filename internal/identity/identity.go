// Package identity keeps the stable per-installation account token that the
// proxy uses to resolve the same backend identity on every launch.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreate returns the token stored at path, creating and persisting a new
// random one the first time.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(token); perr != nil {
			return "", fmt.Errorf("identity file %s is corrupt: %w", path, perr)
		}
		return token, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read identity: %w", err)
	}

	token := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	// O_EXCL so two first launches racing agree on whoever wrote first
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return LoadOrCreate(path)
	}
	if err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(token + "\n"); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	return token, nil
}
