package format

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELineBytes bounds a single upstream SSE line. Frames carrying inline
// image data run far past the bufio default.
const maxSSELineBytes = 10 * 1024 * 1024

// scanSSE reads an SSE body line by line and hands the payload of every
// data: line to fn. Blank lines, comments and [DONE] sentinels are skipped.
func scanSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
