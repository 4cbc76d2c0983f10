package sse

// Event is one decoded text/event-stream block.
type Event struct {
	Type string // value of the last "event" field, or "message" when absent
	ID   string // value of the last "id" field, empty when absent
	Data string // "data" field values joined with "\n" in arrival order
}
