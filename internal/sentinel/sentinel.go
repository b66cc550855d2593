package sentinel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the marker file placed in every project directory.
const FileName = ".geo_office_project"

// canonicalLen is the length of the hyphenated UUID text form.
const canonicalLen = 36

// Path returns the sentinel file path inside a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// IsSentinel reports whether a file name is the sentinel file name.
func IsSentinel(name string) bool {
	return filepath.Base(name) == FileName
}

// IsValidIdentity reports whether text holds a canonical UUID.
//
// Surrounding whitespace is trimmed first. The value is wrapped in braces
// before parsing, which restricts the accepted input to the hyphenated
// 36-character form.
func IsValidIdentity(text string) bool {
	s := strings.TrimSpace(text)
	if len(s) != canonicalLen {
		return false
	}
	_, err := uuid.Parse("{" + s + "}")
	return err == nil
}

// Normalize returns the comparison key for an identity: trimmed and
// lowercased, so tokens differing only in hex case match.
func Normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// ReadIdentity returns the trimmed content of a sentinel file.
//
// The content is returned verbatim even when it is not a valid identity;
// use IsValidIdentity to classify it.
func ReadIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read sentinel %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AssignIdentity mints a random version-4 UUID, overwrites the sentinel
// file with its text form (no trailing newline) and returns it.
func AssignIdentity(path string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate identity: %w", err)
	}
	token := id.String()
	if err := WriteIdentity(path, token); err != nil {
		return "", err
	}
	return token, nil
}

// WriteIdentity overwrites the sentinel file with an existing identity.
// The token must be valid.
func WriteIdentity(path, token string) error {
	token = strings.TrimSpace(token)
	if !IsValidIdentity(token) {
		return fmt.Errorf("refusing to write invalid identity %q to %s", token, path)
	}
	if err := os.WriteFile(path, []byte(token), 0644); err != nil {
		return fmt.Errorf("failed to write sentinel %s: %w", path, err)
	}
	return nil
}
