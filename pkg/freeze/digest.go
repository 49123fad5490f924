package freeze

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DigestBufferSize bounds memory use while hashing large files.
const DigestBufferSize = 128 * 1024

// Digest returns the hex SHA-256 of the file at path, read in
// DigestBufferSize chunks.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("freeze: failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, DigestBufferSize)
	// io.CopyBuffer would bypass buf if the file implemented WriterTo
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{f}, buf); err != nil {
		return "", fmt.Errorf("freeze: failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
