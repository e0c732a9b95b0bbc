package session

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/matheus3301/chatsync/internal/config"
)

// DefaultSessionName is used when neither the command line nor the config
// file names a session.
const DefaultSessionName = "main"

// Resolve picks the session a process runs against. An explicit -session
// value wins, then default_session from the config at configPath, then
// DefaultSessionName. A config file that exists but cannot be read is an
// error rather than a silent fallback, and so is a name that would not make
// a valid session directory.
func Resolve(flagOverride, configPath string) (string, error) {
	name := flagOverride
	if name == "" {
		cfg, err := config.Load(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return "", fmt.Errorf("resolve session: %w", err)
		default:
			name = cfg.DefaultSession
		}
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
