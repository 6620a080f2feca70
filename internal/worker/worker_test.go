// Package worker_test tests the NATS announce worker and event publisher.
package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/ctf2009/castlecall/internal/announcer"
	"github.com/ctf2009/castlecall/internal/core"
	"github.com/ctf2009/castlecall/internal/testutil"
	"github.com/ctf2009/castlecall/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSubject    = "test.announce"
	requestTimeout = 5 * time.Second
)

// mockAnnouncer records what it was asked to announce.
type mockAnnouncer struct {
	mu       sync.Mutex
	requests []core.AnnouncementRequest
	delays   []int
	err      error
	release  chan struct{}
	entered  int
}

func (m *mockAnnouncer) ScheduleAnnounce(
	_ context.Context,
	req core.AnnouncementRequest,
	delayMinutes int,
) (announcer.ScheduleResult, error) {
	m.mu.Lock()
	m.entered++
	m.mu.Unlock()

	if m.release != nil {
		<-m.release
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.delays = append(m.delays, delayMinutes)
	m.mu.Unlock()

	if m.err != nil {
		return announcer.ScheduleResult{}, m.err
	}

	return announcer.ScheduleResult{
		JobID:     "job-1",
		RunAt:     time.Now().Add(time.Duration(delayMinutes) * time.Minute),
		Scheduled: delayMinutes > 0,
		Request:   req,
	}, nil
}

func (m *mockAnnouncer) recorded() ([]core.AnnouncementRequest, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.AnnouncementRequest(nil), m.requests...), append([]int(nil), m.delays...)
}

func createTestNatsClient(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	cleanup := func() {
		natsConnection.Close()
		server.Shutdown()
	}

	return natsConnection, cleanup
}

func startWorker(t *testing.T, orchestrator worker.Announcer) *nats.Conn {
	t.Helper()

	natsConnection, natsCleanup := createTestNatsClient(t)

	workerInstance := worker.NewNatsWorker(natsConnection, testSubject, orchestrator, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
		natsCleanup()
	})

	// Wait for the subscription to be registered before sending requests.
	require.Eventually(t, func() bool {
		return natsConnection.Flush() == nil && natsConnection.NumSubscriptions() > 0
	}, requestTimeout, 10*time.Millisecond)

	return natsConnection
}

func request(t *testing.T, natsConnection *nats.Conn, command any) worker.AnnounceReply {
	t.Helper()

	data, err := json.Marshal(command)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request(testSubject, data, requestTimeout)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply worker.AnnounceReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return reply
}

func TestAnnounce_Immediate(t *testing.T) {
	t.Parallel()

	orchestrator := &mockAnnouncer{}
	natsConnection := startWorker(t, orchestrator)

	header := events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     "kitchen",
		TenantID:   "",
	}

	reply := request(t, natsConnection, worker.AnnounceCommand{
		Header:   header,
		Text:     "Dinner is ready",
		Voice:    "en_GB-jenny_dioco-medium",
		Provider: "piper",
	})

	assert.Empty(t, reply.Error)
	assert.Equal(t, "job-1", reply.JobID)
	assert.False(t, reply.Scheduled)
	require.NotNil(t, reply.RunAt)
	assert.Equal(t, header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, "kitchen", reply.Header.UserID)
	assert.NotEqual(t, header.EventID, reply.Header.EventID)

	requests, delays := orchestrator.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, core.AnnouncementRequest{
		Text:          "Dinner is ready",
		VoiceID:       "en_GB-jenny_dioco-medium",
		VolumePercent: announcer.DefaultVolume,
		Provider:      core.ProviderLocal,
	}, requests[0])
	assert.Equal(t, []int{0}, delays)
}

func TestAnnounce_Scheduled(t *testing.T) {
	t.Parallel()

	orchestrator := &mockAnnouncer{}
	natsConnection := startWorker(t, orchestrator)

	volume := 75
	reply := request(t, natsConnection, worker.AnnounceCommand{
		Text:         "Bath time",
		Volume:       &volume,
		DelayMinutes: 15,
	})

	assert.Empty(t, reply.Error)
	assert.True(t, reply.Scheduled)

	requests, delays := orchestrator.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, 75, requests[0].VolumePercent)
	assert.Empty(t, requests[0].Provider, "the orchestrator applies its default provider")
	assert.Equal(t, []int{15}, delays)
}

func TestAnnounce_Rejections(t *testing.T) {
	t.Parallel()

	orchestrator := &mockAnnouncer{}
	natsConnection := startWorker(t, orchestrator)

	reply := request(t, natsConnection, worker.AnnounceCommand{Text: "hi", DelayMinutes: 61})
	assert.Equal(t, "bad_input", reply.ErrorClass)
	assert.Contains(t, reply.Error, "delay")

	reply = request(t, natsConnection, worker.AnnounceCommand{Text: "hi", Provider: "tape"})
	assert.Equal(t, "bad_input", reply.ErrorClass)

	replyMsg, err := natsConnection.Request(testSubject, []byte("{not json"), requestTimeout)
	require.NoError(t, err)

	var malformed worker.AnnounceReply
	require.NoError(t, json.Unmarshal(replyMsg.Data, &malformed))
	assert.Equal(t, "bad_input", malformed.ErrorClass)

	requests, _ := orchestrator.recorded()
	assert.Empty(t, requests)
}

func TestAnnounce_ErrorClasses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		failure error
		class   string
	}{
		{core.ErrBusy, "conflict"},
		{core.ErrNotConfigured, "not_configured"},
		{core.ErrPlaybackFailed, "failure"},
		{&core.ProviderError{Kind: core.ErrProviderAuth, Status: 401}, "failure"},
	}

	for _, testCase := range testCases {
		natsConnection := startWorker(t, &mockAnnouncer{err: testCase.failure})

		reply := request(t, natsConnection, worker.AnnounceCommand{Text: "hi"})
		assert.Equal(t, testCase.class, reply.ErrorClass, testCase.failure.Error())
		assert.Equal(t, testCase.failure.Error(), reply.Error)
	}
}

func TestAnnounce_CommandsDoNotQueue(t *testing.T) {
	t.Parallel()

	orchestrator := &mockAnnouncer{release: make(chan struct{})}
	natsConnection := startWorker(t, orchestrator)

	data, err := json.Marshal(worker.AnnounceCommand{Text: "hi"})
	require.NoError(t, err)

	replies := make(chan error, 2)

	for range 2 {
		go func() {
			_, requestErr := natsConnection.Request(testSubject, data, requestTimeout)
			replies <- requestErr
		}()
	}

	// Both commands are handled concurrently, so a blocked first one cannot hold up the second.
	require.Eventually(t, func() bool {
		return orchestrator.inside() == 2
	}, requestTimeout, 10*time.Millisecond)

	close(orchestrator.release)

	for range 2 {
		select {
		case requestErr := <-replies:
			require.NoError(t, requestErr)
		case <-time.After(requestTimeout):
			t.Fatal("missing reply")
		}
	}

	requests, _ := orchestrator.recorded()
	assert.Len(t, requests, 2)
}

func (m *mockAnnouncer) inside() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entered
}

func TestPublisher(t *testing.T) {
	t.Parallel()

	natsConnection, cleanup := createTestNatsClient(t)
	t.Cleanup(cleanup)

	publisher := worker.NewPublisher(natsConnection, "", testutil.Logger(t))
	assert.Equal(t, "castlecall.events.failed", publisher.Subject(announcer.EventFailed))

	sub, err := natsConnection.SubscribeSync("castlecall.events.>")
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	runAt := time.Now().UTC().Truncate(time.Second)
	publisher.Publish(announcer.Event{
		Kind:  announcer.EventFailed,
		JobID: "job-7",
		Request: core.AnnouncementRequest{
			Text: "Dinner is ready", VoiceID: "v", VolumePercent: 40, Provider: core.ProviderCloud,
		},
		RunAt: runAt,
		Err:   core.ErrPlaybackFailed,
	})

	msg, err := sub.NextMsg(requestTimeout)
	require.NoError(t, err)
	assert.Equal(t, "castlecall.events.failed", msg.Subject)

	var published worker.AnnouncementEvent
	require.NoError(t, json.Unmarshal(msg.Data, &published))

	assert.Equal(t, announcer.EventFailed, published.Kind)
	assert.Equal(t, "job-7", published.JobID)
	assert.Equal(t, "job-7", published.Header.WorkflowID)
	assert.NotEmpty(t, published.Header.EventID)
	assert.Equal(t, core.ProviderCloud, published.Provider)
	assert.Equal(t, "playback failed", published.Error)
	assert.True(t, runAt.Equal(published.RunAt))
}
