package llm

import (
	"bufio"
	"io"
	"strings"
)

const sseDone = "[DONE]"

// readSSE calls fn with the payload of every "data:" line until the stream
// ends, fn returns false, or the "[DONE]" sentinel arrives.
func readSSE(r io.Reader, fn func(payload string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == sseDone {
			return nil
		}
		if !fn(payload) {
			return nil
		}
	}
	return scanner.Err()
}
