package storage

import (
	"strings"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

func ensureID(id string) string {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return trimmed
	}
	return generateID()
}
