package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Event is one dispatched SSE frame.
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Decode unmarshals the JSON data field into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal([]byte(e.Data), v); err != nil {
		return eris.Wrapf(err, "sse: decode %s", e.Event)
	}
	return nil
}

// Parser reassembles events from a byte stream delivered in chunks of any
// size. Feeding the same bytes split at different boundaries yields the same
// events in the same order. Lines end with "\n" or "\r\n".
type Parser struct {
	buf     []byte
	id      string
	event   string
	data    []string
	retry   int
	hasData bool
}

// Feed consumes a chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var out []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(p.buf[:i]), "\r")
		p.buf = p.buf[i+1:]
		if ev, ok := p.line(line); ok {
			out = append(out, ev)
		}
	}
	// Drop the consumed prefix so buf does not grow without bound.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Flush processes a trailing unterminated line. An event without its blank
// line terminator is discarded, as in the browser EventSource algorithm.
func (p *Parser) Flush() {
	if len(p.buf) > 0 {
		p.line(strings.TrimSuffix(string(p.buf), "\r"))
		p.buf = nil
	}
	p.reset()
}

func (p *Parser) line(line string) (Event, bool) {
	if line == "" {
		if !p.hasData {
			p.reset()
			return Event{}, false
		}
		ev := Event{ID: p.id, Event: p.event, Data: strings.Join(p.data, "\n"), Retry: p.retry}
		if ev.Event == "" {
			ev.Event = "message"
		}
		p.reset()
		return ev, true
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.event = value
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	case "id":
		p.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.retry = n
		}
	}
	return Event{}, false
}

func (p *Parser) reset() {
	p.event = ""
	p.data = nil
	p.hasData = false
	p.retry = 0
}

// ReadAll parses every event from r until EOF. fn is called for each event
// as soon as it is complete; returning an error stops reading.
func ReadAll(r io.Reader, fn func(Event) error) error {
	var p Parser
	br := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		for _, ev := range p.Feed(buf[:n]) {
			if cbErr := fn(ev); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			p.Flush()
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sse: read")
		}
	}
}
