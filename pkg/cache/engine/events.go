package engine

// EventType names an engine broadcast.
type EventType string

const (
	EventStatus                    EventType = "STATUS"
	EventDataCachingProgress       EventType = "DATA_CACHING_PROGRESS"
	EventPresentationProgress      EventType = "PRESENTATION_PROGRESS"
	EventPresentationComplete      EventType = "PRESENTATION_COMPLETE"
	EventDataCachingComplete       EventType = "DATA_CACHING_COMPLETE"
	EventContentRefreshRecommended EventType = "CONTENT_REFRESH_RECOMMENDED"
	EventNukeDataComplete          EventType = "NUKE_DATA_COMPLETE"
)

// Event is one broadcast message. Payload is nil for marker events.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher receives engine events for fan-out to connected clients.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// State is the coarse caching state derived from per-presentation progress.
type State string

const (
	StateOff     State = "off"
	StatePartial State = "partial"
	StateFull    State = "full"
)

// PresentationProgressPayload reports credit movement for one presentation.
type PresentationProgressPayload struct {
	PresentationID string `json:"presentationId"`
	Credited       int    `json:"credited"`
	Expected       int    `json:"expected"`
}

// PresentationCompletePayload marks one presentation fully cached.
type PresentationCompletePayload struct {
	PresentationID string `json:"presentationId"`
}

// OverallProgress aggregates credit across every tracked presentation.
type OverallProgress struct {
	Credited int `json:"credited"`
	Expected int `json:"expected"`
}

// StatusProgress is the progress section of a status snapshot.
type StatusProgress struct {
	Overall       OverallProgress               `json:"overall"`
	Presentations []PresentationProgressPayload `json:"presentations"`
}

// DataStatus describes the data-caching side of a status snapshot.
type DataStatus struct {
	State    State          `json:"state"`
	Enabled  bool           `json:"enabled"`
	Progress StatusProgress `json:"progress"`
}

// AppStatus describes the application shell. The engine itself is always
// ready once it answers at all.
type AppStatus struct {
	State string `json:"state"`
}

// StatusSnapshot is the full STATUS payload.
type StatusSnapshot struct {
	App  AppStatus  `json:"app"`
	Data DataStatus `json:"data"`
}

// ContentRefreshPayload lists presentations whose cached assets expired.
type ContentRefreshPayload struct {
	PresentationIDs []string `json:"presentationIds"`
}
