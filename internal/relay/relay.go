// Package relay decodes the upstream chat-completions event stream into
// normalized caller-facing events. It is a lazy, single-pass,
// non-restartable reader: each Next call pulls at most one network read
// and the stream cannot be rewound.
package relay

import (
	"bufio"
	"bytes"
	"io"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/pkg/types"
)

const (
	// maxLineSize bounds a single SSE line; large model chunks stay
	// well under this.
	maxLineSize = 1 << 20

	initialBufSize = 4096
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// Relay incrementally parses `data: <json>` frames from an upstream
// body. Lines may arrive split across network reads; the internal
// buffer carries partial lines over to the next read. Not safe for
// concurrent use.
type Relay struct {
	scanner *bufio.Scanner
	pending []types.Event
	done    bool
}

// New creates a Relay over the upstream byte stream.
func New(r io.Reader) *Relay {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialBufSize), maxLineSize)
	return &Relay{scanner: scanner}
}

// Next returns the next decoded event. It returns io.EOF when the
// sentinel frame arrives or the source is drained, and the underlying
// read error if the source fails mid-stream. After either, the relay is
// finished.
func (r *Relay) Next() (types.Event, error) {
	if len(r.pending) > 0 {
		return r.pop(), nil
	}
	if r.done {
		return types.Event{}, io.EOF
	}

	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())

		// Blank lines separate SSE events; lines starting with ':'
		// are comments/keep-alives.
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		data := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(data, doneSentinel) {
			r.done = true
			return types.Event{}, io.EOF
		}

		var chunk types.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// One malformed frame must not abort the stream.
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				r.pending = append(r.pending, types.Event{
					Type: types.EventContent,
					Data: choice.Delta.Content,
				})
			}
			if reasoning := choice.Delta.ReasoningText(); reasoning != "" {
				r.pending = append(r.pending, types.Event{
					Type: types.EventReasoning,
					Data: reasoning,
				})
			}
		}
		if len(r.pending) > 0 {
			return r.pop(), nil
		}
	}

	r.done = true
	if err := r.scanner.Err(); err != nil {
		return types.Event{}, err
	}
	return types.Event{}, io.EOF
}

func (r *Relay) pop() types.Event {
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev
}
