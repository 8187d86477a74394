package pipeline

// EvidenceRefs locates the stored evidence frames of an event. Values are
// whatever the image store returned: object URLs or file paths.
type EvidenceRefs struct {
	Before    []string `json:"before,omitempty"`
	Peak      string   `json:"peak,omitempty"`
	Annotated string   `json:"annotated,omitempty"`
	After     []string `json:"after,omitempty"`
}

// EventRecord is the published form of a final event. It carries references
// to stored frames instead of the frames themselves.
type EventRecord struct {
	Event
	Refs EvidenceRefs `json:"evidence"`
}

// NewEventRecord copies ev without its frames
func NewEventRecord(ev *Event, refs EvidenceRefs) *EventRecord {
	c := ev.Clone()
	c.Evidence = Evidence{}
	return &EventRecord{Event: *c, Refs: refs}
}
