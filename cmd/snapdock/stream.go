package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kwontaeheon/snapdock/pkg"
)

type progressWriter interface {
	Printf(format string, a ...interface{}) (int, error)
}

// streamEvents consumes an SSE body from the daemon, echoing progress
// through out, and returns the payload of the complete event.
func streamEvents(body io.Reader, out progressWriter, prefix string) (string, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event pkg.SnapshotEvent
		if err := json.Unmarshal([]byte(line[6:]), &event); err != nil {
			continue
		}

		switch event.Stage {
		case "complete":
			return event.Message, nil
		case "error":
			return "", fmt.Errorf("%s", event.Error)
		default:
			if prefix != "" {
				out.Printf("%s: %s\n", prefix, event.Message)
			} else {
				out.Printf("%s\n", event.Message)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading event stream: %v", err)
	}

	return "", fmt.Errorf("daemon closed the stream before finishing")
}
