package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName reports a session name that cannot name a directory under
// BaseDir.
var ErrInvalidName = errors.New("invalid session name")

// Session names become path segments, so they stay lowercase and must not
// start with a separator-like character.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use up to 64 of a-z, 0-9, '-' and '_', starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}
