package channelstack

import (
	"crypto/rand"
	"fmt"
)

const (
	stackNamePrefix   = "room-"
	stackNameLength   = 10
	stackNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// NewStackName returns "room-" followed by ten random lowercase alphanumerics.
// Stack names double as attachment name prefixes, so they stay short.
func NewStackName() (string, error) {
	buf := make([]byte, stackNameLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stack name: %w", err)
	}
	for i, b := range buf {
		buf[i] = stackNameAlphabet[int(b)%len(stackNameAlphabet)]
	}
	return stackNamePrefix + string(buf), nil
}
