package remote

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStreamClosed reports that the server ended an event stream.
var errStreamClosed = errors.New("event stream closed")

// readEvents parses a text/event-stream body, calling fn once per event.
// Comment lines (heartbeats) are skipped. It returns errStreamClosed at EOF.
func readEvents(r io.Reader, fn func(event, data string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 || event != "" {
				if event == "" {
					event = "message"
				}
				fn(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errStreamClosed
}
