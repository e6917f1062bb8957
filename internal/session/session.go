// Package session issues and checks scan session identifiers.
//
// A session ID names everything one scan produces: the uploaded image, the
// result document, the block trace and the index row. IDs appear in file
// names and URL paths, so Validate restricts them to a filename-safe set.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Prefix starts every generated ID.
const Prefix = "SID-"

// ErrInvalidID is returned for IDs that are empty, too long, or contain
// characters outside [A-Za-z0-9._-].
var ErrInvalidID = errors.New("invalid session id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// New returns a fresh ID of the form SID-XXXXXXXX, built from the first
// eight hex digits of a random UUID.
func New() string {
	u := uuid.New()
	hex := strings.ReplaceAll(u.String(), "-", "")
	return Prefix + strings.ToUpper(hex[:8])
}

// Validate checks that id is safe to use as a path component.
func Validate(id string) error {
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// OrNew returns id when it is non-empty and valid, a fresh ID when id is
// empty, and an error otherwise.
func OrNew(id string) (string, error) {
	if id == "" {
		return New(), nil
	}
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}
