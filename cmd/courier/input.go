package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLine bounds a single input message.
const maxLine = 1 << 20

// decoder turns one input line into a message.
type decoder func(line string) (any, error)

func decoderFor(format string) (decoder, error) {
	switch format {
	case "json":
		return func(line string) (any, error) {
			var msg any
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return msg, nil
		}, nil
	case "text":
		return func(line string) (any, error) { return line, nil }, nil
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}

// readLines feeds non-blank lines from r into out and closes out at EOF.
// Read errors are reported on errc.
func readLines(r io.Reader, out chan<- string, errc chan<- error) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out <- line
	}
	if err := sc.Err(); err != nil {
		errc <- fmt.Errorf("read input: %w", err)
	}
}
