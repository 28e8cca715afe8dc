package validation

import (
	"regexp"
	"strings"
)

// Board names are language-prefixed, dot-separated and lower-case, e.g.
// "en.test" or "de.freenet.discuss".
var boardNamePattern = regexp.MustCompile(`^[a-z]{2,8}(\.[a-z0-9_-]+)+$`)

const MaxBoardNameLength = 256

// IsBoardNameValid reports whether name is an acceptable board name.
func IsBoardNameValid(name string) bool {
	if name == "" || len(name) > MaxBoardNameLength {
		return false
	}
	return boardNamePattern.MatchString(name)
}

// NormalizeBoardName lowercases and trims a board name and validates the
// result.
func NormalizeBoardName(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !IsBoardNameValid(n) {
		return "", errf("board", "bad board name %q", name)
	}
	return n, nil
}
