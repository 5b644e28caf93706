package biz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/data"
	"ReplyRelay/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// MockWhatsAppSender is a mock implementation of WhatsAppSender for testing.
type MockWhatsAppSender struct {
	mock.Mock
}

func (m *MockWhatsAppSender) SendText(ctx context.Context, recipient, text, key string) (string, error) {
	args := m.Called(ctx, recipient, text, key)
	return args.String(0), args.Error(1)
}

// MockDeadLetterRepo is a mock implementation of DeadLetterRepo for testing.
type MockDeadLetterRepo struct {
	mock.Mock
}

func (m *MockDeadLetterRepo) Save(ctx context.Context, dl model.DeadLetter) error {
	args := m.Called(ctx, dl)
	return args.Error(0)
}

// memoryIdempotency is a map-backed IdempotencyStore.
type memoryIdempotency struct {
	mu       sync.Mutex
	records  map[string]model.IdempotencyRecord
	claimErr error
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{records: map[string]model.IdempotencyRecord{}}
}

func (s *memoryIdempotency) Claim(_ context.Context, key string, _ time.Duration) (bool, model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, model.IdempotencyRecord{}, s.claimErr
	}
	if rec, ok := s.records[key]; ok {
		return false, rec, nil
	}
	s.records[key] = model.IdempotencyRecord{State: model.IdempotencyPending}
	return true, model.IdempotencyRecord{}, nil
}

func (s *memoryIdempotency) Complete(_ context.Context, key, messageID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = model.IdempotencyRecord{State: model.IdempotencyDone, MessageID: messageID}
	return nil
}

func (s *memoryIdempotency) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryIdempotency) get(key string) (model.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// sendError mimics a WhatsApp API error.
type sendError struct {
	status int
}

func (e *sendError) Error() string   { return "whatsapp api error" }
func (e *sendError) Temporary() bool { return e.status == 429 || e.status >= 500 }

type dispatcherFixture struct {
	d           *DeliveryDispatcher
	sender      *MockWhatsAppSender
	deadLetters *MockDeadLetterRepo
	idem        *memoryIdempotency
	clock       *fakeClock
	breakers    *CircuitBreakerManager
	alerts      *AlertDispatcher
	sink        *recordingSink
	monitor     *Monitor
}

func newDispatcherFixture(t *testing.T, maxRetries int32, idempotentUpstream bool) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		sender:      new(MockWhatsAppSender),
		deadLetters: new(MockDeadLetterRepo),
		idem:        newMemoryIdempotency(),
		clock:       newFakeClock(),
	}
	f.monitor, f.alerts, f.sink = newTestMonitor(t, f.clock)
	// High threshold so retries in these tests never open the breaker.
	cfg := testBreakerConf()
	cfg.FailureThreshold = 10
	var err error
	f.breakers, err = NewCircuitBreakerManager(&conf.Breakers{Default: cfg}, f.clock, nil, nil, log.DefaultLogger)
	require.NoError(t, err)

	c := &conf.Delivery{
		MaxRetries:     maxRetries,
		BaseDelay:      durationpb.New(100 * time.Millisecond),
		MaxDelay:       durationpb.New(time.Second),
		IdempotencyTtl: durationpb.New(time.Hour),
	}
	f.d, err = NewDeliveryDispatcher(c, &conf.WhatsApp{IdempotentUpstream: idempotentUpstream},
		f.sender, f.idem, f.deadLetters, f.breakers, f.monitor, nil, f.clock, log.DefaultLogger)
	require.NoError(t, err)
	return f
}

func reply(key string) OutboundMessage {
	return OutboundMessage{Recipient: "15551234567", Text: "hello", IdempotencyKey: key}
}

func TestDeliveryDispatcher_SameKeyDeliveredOnce(t *testing.T) {
	f := newDispatcherFixture(t, 2, false)
	f.sender.On("SendText", mock.Anything, "15551234567", "hello", "reply:wamid.1").
		Return("wamid.out1", nil).Once()

	first, err := f.d.Send(context.Background(), reply("reply:wamid.1"))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.Equal(t, "wamid.out1", first.MessageID)
	assert.Equal(t, 1, first.Attempts)

	second, err := f.d.Send(context.Background(), reply("reply:wamid.1"))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "wamid.out1", second.MessageID)
	assert.Zero(t, second.Attempts)

	f.sender.AssertNumberOfCalls(t, "SendText", 1)
	rec, ok := f.idem.get("reply:wamid.1")
	require.True(t, ok)
	assert.Equal(t, model.IdempotencyDone, rec.State)
}

func TestDeliveryDispatcher_ConcurrentSameKey(t *testing.T) {
	f := newDispatcherFixture(t, 0, false)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("wamid.out", nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.d.Send(context.Background(), reply("reply:wamid.c"))
			assert.NoError(t, err)
			if res.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	f.sender.AssertNumberOfCalls(t, "SendText", 1)
}

func TestDeliveryDispatcher_RetriesTransientErrors(t *testing.T) {
	f := newDispatcherFixture(t, 3, false)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", &sendError{status: 503}).Twice()
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("wamid.out2", nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.2"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.DeadLettered)

	sleeps := f.clock.Sleeps()
	require.Len(t, sleeps, 2)
	for i, s := range sleeps {
		assert.GreaterOrEqual(t, s, time.Duration(0))
		assert.LessOrEqual(t, s, f.d.policy.Ceiling(i))
	}
	f.deadLetters.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestDeliveryDispatcher_NonRetryableStopsImmediately(t *testing.T) {
	f := newDispatcherFixture(t, 3, false)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", &sendError{status: 400}).Once()
	f.deadLetters.On("Save", mock.Anything, mock.MatchedBy(func(dl model.DeadLetter) bool {
		return dl.Reason == DeadLetterNonRetryable && dl.Attempts == 1 && dl.IdempotencyKey == "reply:wamid.3"
	})).Return(nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.3"))
	require.Error(t, err)
	assert.Equal(t, ReasonDeliveryFailed, kerrors.Reason(err))
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.DeadLettered)
	assert.Empty(t, f.clock.Sleeps())

	_, held := f.idem.get("reply:wamid.3")
	assert.False(t, held, "definite failure should release the claim")
	f.deadLetters.AssertExpectations(t)
}

func TestDeliveryDispatcher_ExhaustedDeadLetters(t *testing.T) {
	f := newDispatcherFixture(t, 2, false)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", &sendError{status: 500})
	f.deadLetters.On("Save", mock.Anything, mock.MatchedBy(func(dl model.DeadLetter) bool {
		return dl.Reason == DeadLetterExhausted && dl.Attempts == 3 && dl.Body == "hello" && dl.LastError != ""
	})).Return(nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.4"))
	require.Error(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.DeadLettered)
	assert.Len(t, f.clock.Sleeps(), 2)

	f.alerts.Wait()
	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "delivery.failed", events[0].Metric)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)

	rate, n := f.monitor.Aggregate(MetricDeadLetter, AggregateRate)
	assert.Equal(t, 1, n)
	assert.Equal(t, 100.0, rate)
	f.deadLetters.AssertExpectations(t)
}

func TestDeliveryDispatcher_AmbiguousTimeoutKeepsClaim(t *testing.T) {
	f := newDispatcherFixture(t, 3, false)
	cfg := f.breakers.ConfigFor(DependencyWhatsApp)
	cfg.CallTimeout = 20 * time.Millisecond
	_, err := f.breakers.Register(DependencyWhatsApp, cfg)
	require.NoError(t, err)

	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded).Once()
	f.deadLetters.On("Save", mock.Anything, mock.MatchedBy(func(dl model.DeadLetter) bool {
		return dl.Reason == DeadLetterAmbiguous
	})).Return(nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.5"))
	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)

	rec, held := f.idem.get("reply:wamid.5")
	require.True(t, held)
	assert.Equal(t, model.IdempotencyPending, rec.State)

	again, err := f.d.Send(context.Background(), reply("reply:wamid.5"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	f.sender.AssertNumberOfCalls(t, "SendText", 1)
}

func TestDeliveryDispatcher_ClientTimeoutIsAmbiguous(t *testing.T) {
	var requests atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.late"}]}`))
	}))
	defer upstream.Close()

	f := newDispatcherFixture(t, 3, false)
	sender, err := data.NewWhatsAppClient(&conf.WhatsApp{
		BaseUrl:       upstream.URL,
		PhoneNumberId: "1098",
		AccessToken:   "wa-token",
		Timeout:       durationpb.New(50 * time.Millisecond),
	}, log.DefaultLogger)
	require.NoError(t, err)
	f.d.sender = sender

	f.deadLetters.On("Save", mock.Anything, mock.MatchedBy(func(dl model.DeadLetter) bool {
		return dl.Reason == DeadLetterAmbiguous
	})).Return(nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.5b"))
	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.DeadLettered)
	assert.EqualValues(t, 1, requests.Load(), "a timed-out send is not repeated")

	rec, held := f.idem.get("reply:wamid.5b")
	require.True(t, held)
	assert.Equal(t, model.IdempotencyPending, rec.State)
	f.deadLetters.AssertExpectations(t)
}

func TestDeliveryDispatcher_TimeoutRetriedWhenUpstreamDeduplicates(t *testing.T) {
	f := newDispatcherFixture(t, 1, true)
	cfg := f.breakers.ConfigFor(DependencyWhatsApp)
	cfg.CallTimeout = 20 * time.Millisecond
	_, err := f.breakers.Register(DependencyWhatsApp, cfg)
	require.NoError(t, err)

	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded).Once()
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("wamid.out6", nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.6"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Attempts)
}

func TestDeliveryDispatcher_ClaimErrorStillSends(t *testing.T) {
	f := newDispatcherFixture(t, 0, false)
	f.idem.claimErr = errors.New("redis: connection refused")
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("wamid.out7", nil).Once()

	res, err := f.d.Send(context.Background(), reply("reply:wamid.7"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "wamid.out7", res.MessageID)
}

func TestDeliveryDispatcher_DeadLetterSaveFailure(t *testing.T) {
	f := newDispatcherFixture(t, 0, false)
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", &sendError{status: 401})
	f.deadLetters.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))

	res, err := f.d.Send(context.Background(), reply("reply:wamid.8"))
	require.Error(t, err)
	assert.Equal(t, ReasonDeliveryFailed, kerrors.Reason(err))
	assert.True(t, res.DeadLettered)
}

func TestDeliveryDispatcher_CanceledDuringBackoff(t *testing.T) {
	f := newDispatcherFixture(t, 3, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.sender.On("SendText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return("", &sendError{status: 503}).Once()
	f.deadLetters.On("Save", mock.Anything, mock.MatchedBy(func(dl model.DeadLetter) bool {
		return dl.Reason == DeadLetterCanceled
	})).Return(nil).Once()

	res, err := f.d.Send(ctx, reply("reply:wamid.9"))
	require.Error(t, err)
	assert.Equal(t, 1, res.Attempts)
	f.deadLetters.AssertExpectations(t)
}

func TestNewDeliveryDispatcher_RejectsNegativeRetries(t *testing.T) {
	_, err := NewDeliveryDispatcher(&conf.Delivery{MaxRetries: -1}, nil, nil, nil, nil, nil, nil, nil, newFakeClock(), log.DefaultLogger)
	assert.Error(t, err)
}
