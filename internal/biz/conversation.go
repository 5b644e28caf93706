package biz

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"ReplyRelay/internal/conf"
	"ReplyRelay/internal/metrics"
	"ReplyRelay/internal/model"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// InboundMessage is one user message extracted from a webhook delivery.
type InboundMessage struct {
	RequestID string
	MessageID string
	From      string
	Text      string
	Type      string
	Timestamp time.Time
}

// HistoryRepo stores recent conversation turns per user.
type HistoryRepo interface {
	Recent(ctx context.Context, userID string, n int) ([]model.Turn, error)
	Append(ctx context.Context, userID string, turns ...model.Turn) error
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// InboundIdempotencyKey is the claim taken for an inbound message id.
func InboundIdempotencyKey(messageID string) string {
	return "inbound:" + messageID
}

// ConversationUsecase answers one inbound message: generate a reply and deliver it.
type ConversationUsecase struct {
	orchestrator *Orchestrator
	dispatcher   *DeliveryDispatcher
	history      HistoryRepo
	idem         IdempotencyStore
	monitor      *Monitor
	clock        Clock
	log          *pkglog.LogHelper

	locks        *keyedMutex
	historyTurns int
	claimTTL     time.Duration
}

// NewConversationUsecase creates a conversation use case.
func NewConversationUsecase(oc *conf.Orchestrator, dc *conf.Delivery, orchestrator *Orchestrator, dispatcher *DeliveryDispatcher,
	history HistoryRepo, idem IdempotencyStore, monitor *Monitor, clock Clock, logger log.Logger) *ConversationUsecase {
	turns := 10
	if oc != nil && oc.HistoryTurns > 0 {
		turns = int(oc.HistoryTurns)
	}
	ttl := 24 * time.Hour
	if dc != nil && dc.IdempotencyTtl.AsDuration() > 0 {
		ttl = dc.IdempotencyTtl.AsDuration()
	}
	return &ConversationUsecase{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		history:      history,
		idem:         idem,
		monitor:      monitor,
		clock:        clock,
		log:          pkglog.NewLogHelper(logger),
		locks:        newKeyedMutex(),
		historyTurns: turns,
		claimTTL:     ttl,
	}
}

// HandleInbound generates and delivers a reply for msg. Messages from the
// same sender are handled one at a time in arrival order. A redelivered
// message id is ignored.
func (uc *ConversationUsecase) HandleInbound(ctx context.Context, msg InboundMessage) error {
	start := uc.clock.Now()
	ctx = pkglog.WithMessage(ctx, msg.From, msg.MessageID)

	unlock := uc.locks.Lock(msg.From)
	defer unlock()

	claimed := false
	if msg.MessageID != "" && uc.idem != nil {
		ok, _, err := uc.idem.Claim(ctx, InboundIdempotencyKey(msg.MessageID), uc.claimTTL)
		switch {
		case err != nil:
			uc.log.Warnw("msg", "inbound dedup unavailable", "message_id", msg.MessageID, "error", err)
		case !ok:
			uc.log.MessageWithContext(ctx, "duplicate inbound message ignored")
			return nil
		default:
			claimed = true
		}
	}

	var history []model.Turn
	if uc.history != nil {
		h, err := uc.history.Recent(ctx, msg.From, uc.historyTurns)
		if err != nil {
			uc.log.Warnw("msg", "failed to load conversation history", "sender", msg.From, "error", err)
		}
		history = h
	}

	result := uc.orchestrator.GenerateReply(ctx, ConversationContext{
		RequestID:  msg.RequestID,
		MessageID:  msg.MessageID,
		UserID:     msg.From,
		Text:       msg.Text,
		History:    history,
		ReceivedAt: msg.Timestamp,
	})

	delivery, sendErr := uc.dispatcher.Send(ctx, OutboundMessage{
		Recipient:      msg.From,
		Text:           result.Reply,
		IdempotencyKey: ReplyIdempotencyKey(msg.MessageID),
	})

	if delivery.Accepted && uc.history != nil {
		now := uc.clock.Now()
		err := uc.history.Append(ctx, msg.From,
			model.Turn{Role: model.RoleUser, Text: msg.Text, At: msg.Timestamp},
			model.Turn{Role: model.RoleAssistant, Text: result.Reply, At: now})
		if err != nil {
			uc.log.Warnw("msg", "failed to append conversation history", "sender", msg.From, "error", err)
		}
	}
	if claimed {
		if err := uc.idem.Complete(context.WithoutCancel(ctx), InboundIdempotencyKey(msg.MessageID), delivery.MessageID, uc.claimTTL); err != nil {
			uc.log.Warnw("msg", "failed to complete inbound claim", "message_id", msg.MessageID, "error", err)
		}
	}

	outcome := metrics.OutcomeSuccess
	switch {
	case sendErr != nil:
		outcome = metrics.OutcomeError
	case result.Degraded:
		outcome = metrics.OutcomeDegraded
	}
	latency := uc.clock.Now().Sub(start)
	if uc.monitor != nil {
		uc.monitor.RecordPipeline(latency, outcome)
	}
	uc.log.MessageWithContext(ctx, "inbound message handled",
		"strategy", string(result.Strategy),
		"outcome", outcome,
		"attempts", len(result.Attempts),
		"latency_ms", latency.Milliseconds())
	return sendErr
}

// ErrQueueFull is returned by Enqueue when no worker accepts the message in time.
var ErrQueueFull = errors.New("inbound queue full")

// ErrPipelineStopped is returned by Enqueue after Stop.
var ErrPipelineStopped = errors.New("inbound pipeline stopped")

// InboundHandler handles one message. ConversationUsecase implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// Pipeline runs inbound messages on a bounded worker pool. Each sender is
// pinned to one shard so its messages are processed in order.
type Pipeline struct {
	handler        InboundHandler
	shards         []chan queuedMessage
	messageTimeout time.Duration
	enqueueTimeout time.Duration
	log            *pkglog.LogHelper

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

type queuedMessage struct {
	ctx context.Context
	msg InboundMessage
}

// NewPipeline creates a pipeline from configuration.
func NewPipeline(c *conf.Pipeline, handler InboundHandler, logger log.Logger) *Pipeline {
	workers, queue := 8, 256
	messageTimeout, enqueueTimeout := 60*time.Second, 2*time.Second
	if c != nil {
		if c.Workers > 0 {
			workers = int(c.Workers)
		}
		if c.QueueSize > 0 {
			queue = int(c.QueueSize)
		}
		if d := c.MessageTimeout.AsDuration(); d > 0 {
			messageTimeout = d
		}
		if d := c.EnqueueTimeout.AsDuration(); d > 0 {
			enqueueTimeout = d
		}
	}
	perShard := queue / workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan queuedMessage, workers)
	for i := range shards {
		shards[i] = make(chan queuedMessage, perShard)
	}
	return &Pipeline{
		handler:        handler,
		shards:         shards,
		messageTimeout: messageTimeout,
		enqueueTimeout: enqueueTimeout,
		log:            pkglog.NewLogHelper(logger),
	}
}

// Start launches one worker per shard.
func (p *Pipeline) Start() {
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.worker(i, ch)
	}
	p.log.Startup("inbound pipeline started", "workers", len(p.shards))
}

func (p *Pipeline) worker(id int, ch <-chan queuedMessage) {
	defer p.wg.Done()
	for q := range ch {
		p.process(id, q)
	}
}

func (p *Pipeline) process(worker int, q queuedMessage) {
	ctx, cancel := context.WithTimeout(q.ctx, p.messageTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("msg", "panic while handling inbound message",
				"worker", worker, "message_id", q.msg.MessageID, "panic", r)
		}
	}()
	if err := p.handler.HandleInbound(ctx, q.msg); err != nil {
		p.log.Warnw("msg", "inbound message finished with error",
			"worker", worker, "message_id", q.msg.MessageID, "error", err)
	}
}

// Enqueue schedules msg. The request context is detached so processing
// outlives the webhook response but keeps its request id.
func (p *Pipeline) Enqueue(ctx context.Context, msg InboundMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPipelineStopped
	}

	q := queuedMessage{ctx: context.WithoutCancel(ctx), msg: msg}
	ch := p.shards[shardFor(msg.From, len(p.shards))]

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()
	select {
	case ch <- q:
		return nil
	case <-timer.C:
		p.log.Warnw("msg", "inbound queue full, message dropped", "message_id", msg.MessageID, "sender", msg.From)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queues and waits for in-flight messages, bounded by ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Success("inbound pipeline drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
