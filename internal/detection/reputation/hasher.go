// Package reputation resolves file maliciousness through hash reputation:
// a local known-bad set first, then an optional remote reputation service.
package reputation

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// hashChunkSize bounds memory while digesting regardless of file size.
const hashChunkSize = 64 * 1024

// Digest computes the SHA-256 digest of the file at path, streaming the
// content in fixed-size chunks. Failure to open or read the file is an
// error, never an empty digest.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reputation: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("reputation: read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes computes the SHA-256 digest of in-memory content.
func DigestBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// LoadKnownBad reads a known-bad digest file: one lowercase hex SHA-256 per
// line, '#' comments and blank lines ignored. A missing file yields an empty
// set, not an error; the local tier is optional.
func LoadKnownBad(path string) (map[string]struct{}, error) {
	set := make(map[string]struct{})

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("reputation: open known-bad set %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.ToLower(line)
		if len(line) != 64 {
			return nil, fmt.Errorf("reputation: %s:%d: not a SHA-256 digest: %q", path, lineNo, line)
		}
		if _, err := hex.DecodeString(line); err != nil {
			return nil, fmt.Errorf("reputation: %s:%d: not a SHA-256 digest: %q", path, lineNo, line)
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reputation: read known-bad set %s: %w", path, err)
	}

	return set, nil
}
