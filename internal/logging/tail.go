package logging

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Tail returns up to n trailing lines of the file at path. A missing file
// yields no lines.
func Tail(path string, n int) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return []string{}, nil
	}
	parts := bytes.Split(raw, []byte("\n"))
	if n > 0 && len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(p)
	}
	return lines, nil
}
