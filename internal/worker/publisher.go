package worker

import (
	"encoding/json"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultEventsSubject prefixes outcome subjects: castlecall.events.<kind>.
const DefaultEventsSubject = "castlecall.events"

var _ announcer.EventSink = (*Publisher)(nil)

// AnnouncementEvent is the payload published for every outcome.
type AnnouncementEvent struct {
	Header   events.EventHeader  `json:"header"`
	Kind     announcer.EventKind `json:"kind"`
	JobID    string              `json:"jobId"`
	Text     string              `json:"text"`
	Voice    string              `json:"voice"`
	Volume   int                 `json:"volume"`
	Provider core.Provider       `json:"provider"`
	RunAt    time.Time           `json:"runAt"`
	Error    string              `json:"error,omitempty"`
}

// Publisher sends announcement outcomes to NATS. Publish failures are logged only.
type Publisher struct {
	natsConnection *nats.Conn
	prefix         string
	log            *logger.Logger
}

// NewPublisher creates a publisher for subjects under prefix.
func NewPublisher(natsConnection *nats.Conn, prefix string, log *logger.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultEventsSubject
	}

	return &Publisher{
		natsConnection: natsConnection,
		prefix:         prefix,
		log:            log,
	}
}

// Subject returns the subject an outcome kind is published on.
func (p *Publisher) Subject(kind announcer.EventKind) string {
	return p.prefix + "." + string(kind)
}

// Publish implements announcer.EventSink. The job id doubles as the workflow id.
func (p *Publisher) Publish(event announcer.Event) {
	payload := AnnouncementEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: event.JobID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Kind:     event.Kind,
		JobID:    event.JobID,
		Text:     event.Request.Text,
		Voice:    event.Request.VoiceID,
		Volume:   event.Request.VolumePercent,
		Provider: event.Request.Provider,
		RunAt:    event.RunAt,
		Error:    "",
	}

	if event.Err != nil {
		payload.Error = event.Err.Error()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("Failed to marshal %s event for %s: %v", event.Kind, event.JobID, err)

		return
	}

	err = p.natsConnection.Publish(p.Subject(event.Kind), data)
	if err != nil {
		p.log.Error("Failed to publish %s event for %s: %v", event.Kind, event.JobID, err)
	}
}
