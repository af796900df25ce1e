package credentials

import (
	"encoding/base64"
	"fmt"
	"io"
)

// secretBytes is the entropy of a generated client secret (256 bits).
const secretBytes = 32

func newSecret(r io.Reader) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
