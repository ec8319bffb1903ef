package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally prefixed ("str_3f2a...").
// The result is safe to embed in git ref names and file paths.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
