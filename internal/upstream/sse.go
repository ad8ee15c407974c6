package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gaspardpetit/toolgate/internal/mcpwire"
)

// ReadEvent scans an event stream and returns the JSON-RPC message carried
// by the first complete "message" event. Events of any other type, including
// events with no "event:" line, are skipped.
// It returns nil, nil when the stream ends without such an event; a
// trailing event with no terminating blank line is discarded.
func ReadEvent(r io.Reader) (*mcpwire.Message, error) {
	br := bufio.NewReader(r)
	var (
		event string
		data  []string
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		eof := err != nil
		if eof && line == "" {
			return nil, nil
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 && event == "message" {
				msg, err := mcpwire.Parse([]byte(strings.Join(data, "\n")))
				if err != nil {
					return nil, fmt.Errorf("decode event payload: %w", err)
				}
				return msg, nil
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}

		if eof {
			return nil, nil
		}
	}
}
