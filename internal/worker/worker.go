// Package worker exposes announcements over NATS: a request/reply worker that accepts
// announce commands and a publisher that reports outcomes as events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// An immediate announcement replies only after playback, so the budget covers
// synthesis, a cloud timeout and a long clip.
const handleMessageTimeout = 2 * time.Minute

const (
	drainTimeout      = 10 * time.Second
	drainPollInterval = 10 * time.Millisecond
)

// DefaultAnnounceSubject is the request/reply subject for announce commands.
const DefaultAnnounceSubject = "castlecall.announce"

// errMalformedCommand marks payloads that are not valid JSON commands.
var errMalformedCommand = errors.New("malformed announce command")

// Announcer is the orchestrator surface the worker needs.
type Announcer interface {
	ScheduleAnnounce(ctx context.Context, req core.AnnouncementRequest, delayMinutes int) (announcer.ScheduleResult, error)
}

// AnnounceCommand is the request payload.
type AnnounceCommand struct {
	Header       events.EventHeader `json:"header"`
	Text         string             `json:"text"`
	Voice        string             `json:"voice,omitempty"`
	Volume       *int               `json:"volume,omitempty"`
	Provider     string             `json:"provider,omitempty"`
	DelayMinutes int                `json:"delayMinutes,omitempty"`
}

// AnnounceReply answers an AnnounceCommand. Error and ErrorClass are set on failure.
type AnnounceReply struct {
	Header     events.EventHeader `json:"header"`
	JobID      string             `json:"jobId,omitempty"`
	RunAt      *time.Time         `json:"runAt,omitempty"`
	Scheduled  bool               `json:"scheduled"`
	Error      string             `json:"error,omitempty"`
	ErrorClass string             `json:"errorClass,omitempty"`
}

// NatsWorker listens for announce commands on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	announcer      Announcer
	log            *logger.Logger
	inFlight       sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	orchestrator Announcer,
	log *logger.Logger,
) *NatsWorker {
	if subject == "" {
		subject = DefaultAnnounceSubject
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		announcer:      orchestrator,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is done, then drains the subscription and waits
// for in-flight commands to reply.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for announce commands on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr == nil {
		waitForDrain(sub)
	}

	w.inFlight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// waitForDrain blocks until every buffered message has been dispatched, which is when
// the drained subscription becomes invalid.
func waitForDrain(sub *nats.Subscription) {
	deadline := time.Now().Add(drainTimeout)

	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}
}

// dispatch handles each command on its own goroutine so that a second command arriving
// during playback is answered busy instead of queuing behind the first.
func (w *NatsWorker) dispatch(msg *nats.Msg) {
	w.inFlight.Add(1)

	go func() {
		defer w.inFlight.Done()

		w.handleMessage(msg)
	}()
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	command, err := parseCommand(msg)
	if err != nil {
		w.log.Error("Failed to parse announce command: %v", err)
		w.respond(msg, failureReply(events.EventHeader{}, err))

		return
	}

	reply := w.processCommand(ctx, command)

	w.respond(msg, reply)
}

func (w *NatsWorker) processCommand(ctx context.Context, command *AnnounceCommand) *AnnounceReply {
	req, err := command.Request()
	if err != nil {
		return failureReply(command.Header, err)
	}

	result, err := w.announcer.ScheduleAnnounce(ctx, req, command.DelayMinutes)
	if err != nil {
		w.log.Error("Announce command %s failed: %v", command.Header.EventID, err)

		reply := failureReply(command.Header, err)
		reply.JobID = result.JobID

		return reply
	}

	runAt := result.RunAt

	return &AnnounceReply{
		Header:     replyHeader(command.Header),
		JobID:      result.JobID,
		RunAt:      &runAt,
		Scheduled:  result.Scheduled,
		Error:      "",
		ErrorClass: "",
	}
}

// Request converts the command into an orchestrator request. A missing volume means
// the default volume and a missing provider means the default provider.
func (c *AnnounceCommand) Request() (core.AnnouncementRequest, error) {
	if c.DelayMinutes < 0 || c.DelayMinutes > announcer.MaxDelayMinutes {
		return core.AnnouncementRequest{}, fmt.Errorf("%w: delay must be between 0 and %d minutes",
			core.ErrInvalidDelay, announcer.MaxDelayMinutes)
	}

	var provider core.Provider

	if c.Provider != "" {
		parsed, err := core.ParseProvider(c.Provider)
		if err != nil {
			return core.AnnouncementRequest{}, err
		}

		provider = parsed
	}

	volume := announcer.DefaultVolume
	if c.Volume != nil {
		volume = *c.Volume
	}

	return core.AnnouncementRequest{
		Text:          c.Text,
		VoiceID:       c.Voice,
		VolumePercent: volume,
		Provider:      provider,
	}, nil
}

func (w *NatsWorker) respond(msg *nats.Msg, reply *AnnounceReply) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal announce reply: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish announce reply: %v", err)
	}
}

func parseCommand(msg *nats.Msg) (*AnnounceCommand, error) {
	var command AnnounceCommand

	err := json.Unmarshal(msg.Data, &command)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal command: %w", errMalformedCommand, err)
	}

	return &command, nil
}

func failureReply(header events.EventHeader, err error) *AnnounceReply {
	class := core.Classify(err)
	if errors.Is(err, errMalformedCommand) {
		class = core.ClassBadInput
	}

	return &AnnounceReply{
		Header:     replyHeader(header),
		JobID:      "",
		RunAt:      nil,
		Scheduled:  false,
		Error:      err.Error(),
		ErrorClass: class.String(),
	}
}

func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}
