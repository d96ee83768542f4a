package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu       sync.Mutex
	failures int
	calls    []string
	sent     []Message
}

func (t *recordingTransport) Send(ctx context.Context, address string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, address)
	if t.failures > 0 {
		t.failures--
		return errors.New("unreachable")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recordingTransport) snapshot() ([]string, []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...), append([]Message(nil), t.sent...)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleRequest() *models.AccessRequest {
	return &models.AccessRequest{
		ID:              "req-1",
		RequesterID:     "alice",
		RequesterName:   "Alice",
		ApproverID:      "bob",
		Resource:        "social",
		Reason:          "need to reply to a message",
		DurationMinutes: 5,
		Status:          models.StatusPending,
		CreatedAt:       epoch,
		ExpiresAt:       epoch.Add(5 * time.Minute),
	}
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *recordingTransport, storage.StorageBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	tr := &recordingTransport{}
	d := NewDispatcher(store, clock.Fake(epoch), opts)
	d.Register(models.ChannelWebhook, tr)
	require.NoError(t, store.SetChannel(context.Background(), &models.NotificationChannel{
		PrincipalID: "bob", Kind: models.ChannelWebhook, Address: "https://bob.example/hook",
	}))
	require.NoError(t, store.SetChannel(context.Background(), &models.NotificationChannel{
		PrincipalID: "alice", Kind: models.ChannelWebhook, Address: "https://alice.example/hook",
	}))
	return d, tr, store
}

func TestNotifyApproverDeliversToChannel(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 3})

	d.NotifyApprover(context.Background(), sampleRequest())
	d.Wait()

	calls, sent := tr.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"https://bob.example/hook"}, calls)
	assert.Equal(t, TypeAccessRequest, sent[0].Payload.Type)
	assert.Equal(t, "Access Request from Alice", sent[0].Title)
	assert.Equal(t, "Alice is requesting access to social - need to reply to a message", sent[0].Body)
	assert.Equal(t, 5, sent[0].Payload.DurationMinutes)
}

func TestDecisionMessages(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 1})
	r := sampleRequest()

	d.NotifyRequesterOfDecision(context.Background(), r, models.DecisionApprove)
	d.Wait()
	d.NotifyRequesterOfDecision(context.Background(), r, models.DecisionDeny)
	d.Wait()

	_, sent := tr.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, TypeAccessGranted, sent[0].Payload.Type)
	assert.Contains(t, sent[0].Body, "5 minutes")
	assert.Equal(t, TypeAccessDenied, sent[1].Payload.Type)
}

func TestRevocationMessageReason(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 1})
	g := &models.AccessGrant{ID: "req-1", RequesterID: "alice", RevokeReason: models.RevokeManualEarlyRevoke}

	d.NotifyRequesterOfRevocation(context.Background(), g)
	d.Wait()

	_, sent := tr.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, TypeAccessRevoked, sent[0].Payload.Type)
	assert.Equal(t, "manual_early_revoke", sent[0].Payload.RevokeReason)
	assert.Equal(t, "Your temporary access was ended early", sent[0].Body)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 3})
	tr.failures = 2

	err := d.Deliver(context.Background(), Notice{RecipientID: "bob", Message: accessRequestMessage(sampleRequest())})
	require.NoError(t, err)

	calls, sent := tr.snapshot()
	assert.Len(t, calls, 3)
	assert.Len(t, sent, 1)
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 2})
	tr.failures = 5

	err := d.Deliver(context.Background(), Notice{RecipientID: "bob", Message: accessRequestMessage(sampleRequest())})
	require.ErrorIs(t, err, accesserr.ErrTransportFailure)

	calls, _ := tr.snapshot()
	assert.Len(t, calls, 2)
}

func TestDeliverWaitsRetryDelayOnClock(t *testing.T) {
	store := storage.NewMemoryBackend()
	clk := clock.Fake(epoch)
	tr := &recordingTransport{failures: 1}
	d := NewDispatcher(store, clk, Options{MaxAttempts: 2, RetryDelay: 2 * time.Second})
	d.Register(models.ChannelWebhook, tr)
	require.NoError(t, store.SetChannel(context.Background(), &models.NotificationChannel{
		PrincipalID: "bob", Kind: models.ChannelWebhook, Address: "hook",
	}))

	done := make(chan error, 1)
	go func() {
		done <- d.Deliver(context.Background(), Notice{RecipientID: "bob", Message: accessRequestMessage(sampleRequest())})
	}()

	clk.WaitForTimers(1)
	calls, _ := tr.snapshot()
	assert.Len(t, calls, 1)

	clk.Advance(2 * time.Second)
	require.NoError(t, <-done)
	calls, _ = tr.snapshot()
	assert.Len(t, calls, 2)
}

func TestFailedDeliveryIsSwallowed(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 1})
	tr.failures = 1

	// Must not panic or block; the failure is only logged.
	d.NotifyApprover(context.Background(), sampleRequest())
	d.Wait()

	calls, sent := tr.snapshot()
	assert.Len(t, calls, 1)
	assert.Empty(t, sent)
}

func TestDeliverWithoutChannelFallsBackToLog(t *testing.T) {
	d := NewDispatcher(storage.NewMemoryBackend(), clock.Fake(epoch), Options{MaxAttempts: 1})
	err := d.Deliver(context.Background(), Notice{RecipientID: "carol", Message: expiredMessage(sampleRequest())})
	assert.NoError(t, err)
}

func TestDeliverUnknownChannelKind(t *testing.T) {
	store := storage.NewMemoryBackend()
	d := NewDispatcher(store, clock.Fake(epoch), Options{MaxAttempts: 1})
	require.NoError(t, store.SetChannel(context.Background(), &models.NotificationChannel{
		PrincipalID: "bob", Kind: models.ChannelRedis, Address: "bob",
	}))

	err := d.Deliver(context.Background(), Notice{RecipientID: "bob", Message: expiredMessage(sampleRequest())})
	assert.ErrorIs(t, err, accesserr.ErrTransportFailure)
}

type stubOutbox struct {
	mu      sync.Mutex
	err     error
	notices []Notice
}

func (o *stubOutbox) Enqueue(ctx context.Context, n Notice) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.notices = append(o.notices, n)
	return nil
}

func TestOutboxTakesPrecedence(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 1})
	ob := &stubOutbox{}
	d.SetOutbox(ob)

	d.NotifyApprover(context.Background(), sampleRequest())
	d.Wait()

	require.Len(t, ob.notices, 1)
	assert.Equal(t, "bob", ob.notices[0].RecipientID)
	calls, _ := tr.snapshot()
	assert.Empty(t, calls)
}

func TestOutboxFailureFallsBackInProcess(t *testing.T) {
	d, tr, _ := newTestDispatcher(t, Options{MaxAttempts: 1})
	d.SetOutbox(&stubOutbox{err: errors.New("redis down")})

	d.NotifyApprover(context.Background(), sampleRequest())
	d.Wait()

	_, sent := tr.snapshot()
	assert.Len(t, sent, 1)
}

func TestRedisTransportPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "partnerlock:bob")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	tr := NewRedisTransport(client, "partnerlock:")
	require.NoError(t, tr.Send(ctx, "bob", accessRequestMessage(sampleRequest())))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"type":"access_request"`)
		assert.Contains(t, msg.Payload, `"request_id":"req-1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestWebhookTransportSignsBody(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(time.Second, "s3cret")
	require.NoError(t, tr.Send(context.Background(), srv.URL, decisionMessage(sampleRequest(), models.DecisionApprove)))

	assert.Equal(t, Sign([]byte("s3cret"), gotBody), gotSig)
	assert.Contains(t, string(gotBody), `"type":"access_granted"`)
}

func TestWebhookTransportRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(time.Second, "")
	err := tr.Send(context.Background(), srv.URL, expiredMessage(sampleRequest()))
	assert.ErrorContains(t, err, "HTTP 410")
}
