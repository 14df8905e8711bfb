package service

import (
	"strings"

	"github.com/google/uuid"
)

// generateID returns a prefixed random identifier that fits varchar(32).
func generateID(prefix string) string {
	clean := strings.ReplaceAll(uuid.New().String(), "-", "")
	if prefix == "" {
		return clean
	}
	return prefix + "_" + clean[:min(26, len(clean))]
}
