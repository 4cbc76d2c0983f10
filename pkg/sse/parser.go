package sse

import "strings"

// DefaultEventType is used when a block carries no "event" field.
const DefaultEventType = "message"

// Parser incrementally decodes text/event-stream framing. Raw chunks are fed
// in arrival order via Feed; complete blocks (terminated by a blank line) are
// delivered to the handler, partial trailing text is buffered until the next
// chunk. Splitting the byte stream at arbitrary offsets never changes the
// emitted event sequence.
type Parser struct {
	handler func(Event)
	pending string
}

// NewParser creates a parser that delivers each complete event to handler.
func NewParser(handler func(Event)) *Parser {
	return &Parser{handler: handler}
}

// Feed appends a raw chunk and emits every event whose terminating blank
// line has been fully received.
func (p *Parser) Feed(chunk []byte) {
	p.pending += string(chunk)

	for {
		block, rest, ok := nextBlock(p.pending)
		if !ok {
			return
		}
		p.pending = rest

		if ev, ok := parseBlock(block); ok {
			p.handler(ev)
		}
	}
}

// Reset discards any buffered partial block.
func (p *Parser) Reset() {
	p.pending = ""
}

// nextBlock extracts the first complete event block from buf. A block is
// terminated by two consecutive line breaks, where a line break is either
// "\n" or "\r\n".
func nextBlock(buf string) (block, rest string, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' && buf[i] != '\r' {
			continue
		}
		n := delimiterLen(buf[i:])
		if n == 0 {
			continue
		}
		return buf[:i], buf[i+n:], true
	}
	return "", buf, false
}

// delimiterLen reports the length of a blank-line delimiter at the start of
// s, or 0 if s does not begin with one. A trailing "\r" is ambiguous (it may
// be the first half of "\r\n" still in flight), so it never completes a
// delimiter on its own.
func delimiterLen(s string) int {
	first := lineBreakLen(s)
	if first == 0 {
		return 0
	}
	second := lineBreakLen(s[first:])
	if second == 0 {
		return 0
	}
	return first + second
}

func lineBreakLen(s string) int {
	if strings.HasPrefix(s, "\r\n") {
		return 2
	}
	if strings.HasPrefix(s, "\n") {
		return 1
	}
	return 0
}

// parseBlock decodes a single event block. Blocks whose data lines are all
// empty are dropped so keep-alive blocks never surface as events.
func parseBlock(block string) (Event, bool) {
	ev := Event{Type: DefaultEventType}

	var dataLines []string
	hasData := false

	block = strings.ReplaceAll(block, "\r\n", "\n")
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		case "data":
			dataLines = append(dataLines, value)
			if value != "" {
				hasData = true
			}
		}
	}

	if !hasData {
		return Event{}, false
	}

	ev.Data = strings.Join(dataLines, "\n")
	return ev, true
}

// splitField splits "field: value". A line without a colon is a field name
// with an empty value. Exactly one leading space after the colon is stripped
// per the wire convention; further spaces belong to the value.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
