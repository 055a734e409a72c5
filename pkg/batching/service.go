package batching

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/warelay/warelay/pkg/clock"
	"github.com/warelay/warelay/pkg/hooks"
	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/ratelimit"
	"github.com/warelay/warelay/pkg/store"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/types/messaging"
)

// IngestOutcome reports what happened to one ingested message. Ingest
// never propagates downstream errors: every outcome short of acceptance is
// silent to the webhook caller and visible only here and in metrics.
type IngestOutcome string

const (
	IngestAccepted     IngestOutcome = "accepted"
	IngestDuplicate    IngestOutcome = "duplicate"
	IngestRateLimited  IngestOutcome = "rate_limited"
	IngestDropped      IngestOutcome = "dropped"
	IngestRejected     IngestOutcome = "rejected"
	IngestInvalid      IngestOutcome = "invalid"
	IngestShuttingDown IngestOutcome = "shutting_down"
)

// Accepted reports whether the message entered a buffer.
func (o IngestOutcome) Accepted() bool {
	return o == IngestAccepted
}

// Terminal batch outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeAbort     = "abort"
	OutcomeExhausted = "exhausted"
	OutcomeShutdown  = "shutdown"
)

// rejectNotice is what REJECT_WITH_NOTIFY tells the user.
const rejectNotice = "You're sending messages faster than I can handle them. Give me a moment to catch up."

// OutcomeEvent summarises one batch's terminal result for observability.
type OutcomeEvent struct {
	UserID    string        `json:"user_id"`
	BatchID   string        `json:"batch_id"`
	BatchSize int           `json:"batch_size"`
	Attempts  int           `json:"attempts"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// OutcomeObserver receives every terminal batch outcome. The broadcaster
// implements it; the pipeline never blocks on it.
type OutcomeObserver interface {
	BatchOutcome(ctx context.Context, event OutcomeEvent)
}

// ServiceOption wires optional collaborators into the service.
type ServiceOption func(*Service)

// WithNotifier sets the sink for best-effort user notifications.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithDeadLetter routes retry-exhausted batches to handler, which then
// owns them for dedup purposes.
func WithDeadLetter(handler DeadLetterHandler) ServiceOption {
	return func(s *Service) { s.deadLetter = handler }
}

// WithHooks installs the pre/post hook chain run around every attempt.
func WithHooks(chain *hooks.Chain) ServiceOption {
	return func(s *Service) { s.hooks = chain }
}

// WithOutcomeObserver publishes terminal batch outcomes to observer.
func WithOutcomeObserver(observer OutcomeObserver) ServiceOption {
	return func(s *Service) { s.observer = observer }
}

// Service is the per-user message pipeline: deduplication, hybrid rate
// limiting, adaptive batching, and bounded-concurrency batch execution
// with hooks, retries, dead letter routing, and backpressure. One Service
// instance serves every user of the gateway.
type Service struct {
	opts       Options
	clk        clock.Clock
	store      store.MessageStore
	limiters   *ratelimit.Registry
	sched      *Scheduler
	processor  Processor
	notifier   Notifier
	deadLetter DeadLetterHandler
	hooks      *hooks.Chain
	observer   OutcomeObserver

	users   sync.Map // userID -> *userState
	sem     *semaphore.Weighted
	metrics Metrics

	closed    atomic.Bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	workers   sync.WaitGroup
	sweepDone chan struct{}
}

// userState is everything the service tracks for one user: the buffer,
// the armed timer handles, the serialisation token, and the set of message
// IDs that are buffered or in flight. The epoch increments on every drain
// so a stale timer callback can recognise it lost the race.
type userState struct {
	userID string

	mu             sync.Mutex
	buf            *Buffer
	epoch          uint64
	silenceHandle  Handle
	timeoutHandle  Handle
	batchStartedAt time.Time
	inflight       bool
	ready          []*batchItem
	pending        map[string]struct{}
	lastActivity   time.Time
	space          chan struct{}
	evicted        bool
}

func (st *userState) hasPending(messageID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.pending[messageID]
	return ok
}

// batchItem is one drained batch waiting for, or undergoing, processing.
type batchItem struct {
	id        string
	batch     []messaging.Message
	startedAt time.Time
	trigger   string
	attempts  int
}

// NewService validates opts and builds a running pipeline. The scheduler
// loop and the idle-eviction sweep start immediately; Close tears both
// down.
func NewService(clk clock.Clock, messageStore store.MessageStore, processor Processor, opts Options, serviceOpts ...ServiceOption) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid batching options")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if messageStore == nil {
		messageStore = store.NewMemoryStore()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:      opts,
		clk:       clk,
		store:     messageStore,
		limiters:  ratelimit.NewRegistry(clk, opts.RateLimit),
		sched:     NewScheduler(clk),
		processor: processor,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		runCtx:    runCtx,
		cancelRun: cancel,
		sweepDone: make(chan struct{}),
	}
	for _, opt := range serviceOpts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hooks.NewChain()
	}

	s.sched.Start()
	go s.sweep()
	return s, nil
}

// Ingest admits one message into its user's buffer. It performs only the
// dedup test, the limiter acquire, the enqueue, and the timer arm, so
// webhook handlers return quickly; batch processing happens on worker
// goroutines later.
func (s *Service) Ingest(ctx context.Context, msg messaging.Message) IngestOutcome {
	if s.closed.Load() {
		return IngestShuttingDown
	}
	log := logger.G(ctx).WithFields(map[string]any{
		"user_id":    msg.UserID,
		"message_id": msg.MessageID,
	})
	if err := msg.Validate(); err != nil {
		log.WithError(err).Debug("ignoring invalid message")
		return IngestInvalid
	}

	processed, err := s.store.HasProcessed(ctx, msg.UserID, msg.MessageID)
	if err != nil {
		// Fail open: at-least-once delivery beats silently losing a message.
		log.WithError(err).Error("dedup lookup failed")
	}
	if processed {
		s.metrics.duplicates.Add(1)
		log.Debug("duplicate webhook delivery, already processed")
		return IngestDuplicate
	}
	if st, ok := s.currentState(msg.UserID); ok && st.hasPending(msg.MessageID) {
		s.metrics.duplicates.Add(1)
		log.Debug("duplicate webhook delivery, already pending")
		return IngestDuplicate
	}

	if !s.limiters.For(msg.UserID).TryAcquire() {
		s.metrics.rateLimited.Add(1)
		log.Debug("rate limited")
		return IngestRateLimited
	}

	return s.admit(ctx, msg)
}

// admit applies the backpressure policy and enqueues.
func (s *Service) admit(ctx context.Context, msg messaging.Message) IngestOutcome {
	st := s.lockedState(msg.UserID)
	if _, dup := st.pending[msg.MessageID]; dup {
		st.mu.Unlock()
		s.metrics.duplicates.Add(1)
		return IngestDuplicate
	}
	if st.buf.Enqueue(msg) {
		s.acceptLocked(ctx, st, msg)
		st.mu.Unlock()
		return IngestAccepted
	}
	return s.overflow(ctx, st, msg)
}

// overflow handles a full buffer; st.mu is held on entry and released by
// every branch.
func (s *Service) overflow(ctx context.Context, st *userState, msg messaging.Message) IngestOutcome {
	log := logger.G(ctx).WithFields(map[string]any{
		"user_id":    msg.UserID,
		"message_id": msg.MessageID,
		"strategy":   string(s.opts.Strategy),
	})
	switch s.opts.Strategy {
	case DropOldest:
		evicted, ok := st.buf.RemoveOldest()
		if ok {
			delete(st.pending, evicted.MessageID)
			s.metrics.pendingMessages.Add(-1)
			s.metrics.dropped.Add(1)
		}
		st.buf.Enqueue(msg)
		s.acceptLocked(ctx, st, msg)
		st.mu.Unlock()
		log.WithField("evicted_message_id", evicted.MessageID).Warn("buffer full, evicted oldest message")
		return IngestAccepted

	case FlushAndAccept:
		s.drainLocked(ctx, st, "flush")
		st.buf.Enqueue(msg)
		s.acceptLocked(ctx, st, msg)
		st.mu.Unlock()
		log.Debug("buffer full, flushed and accepted into fresh cycle")
		return IngestAccepted

	case RejectWithNotify:
		st.mu.Unlock()
		s.metrics.dropped.Add(1)
		log.Warn("buffer full, rejecting message")
		if s.notifier != nil {
			// Fire and forget so the ingest path stays non-blocking; a
			// shutdown cancels the send through runCtx.
			go s.notify(s.runCtx, msg.UserID, rejectNotice)
		}
		return IngestRejected

	case BlockUntilSpace:
		return s.blockUntilSpace(ctx, st, msg)

	default: // DropNew
		st.mu.Unlock()
		s.metrics.dropped.Add(1)
		log.Debug("buffer full, dropping new message")
		return IngestDropped
	}
}

// blockUntilSpace holds the ingest until a drain frees room, at most the
// adaptive timeout, then falls back to dropping; st.mu is held on entry.
func (s *Service) blockUntilSpace(ctx context.Context, st *userState, msg messaging.Message) IngestOutcome {
	deadline := s.clk.After(s.opts.AdaptiveTimeout)
	for {
		st.mu.Unlock()
		select {
		case <-st.space:
		case <-deadline:
			st.mu.Lock()
			if st.buf.Enqueue(msg) {
				s.acceptLocked(ctx, st, msg)
				st.mu.Unlock()
				return IngestAccepted
			}
			st.mu.Unlock()
			s.metrics.dropped.Add(1)
			logger.G(ctx).WithField("user_id", msg.UserID).Debug("blocked ingest timed out, dropping message")
			return IngestDropped
		case <-ctx.Done():
			s.metrics.dropped.Add(1)
			return IngestDropped
		case <-s.runCtx.Done():
			return IngestShuttingDown
		}

		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			st = s.lockedState(msg.UserID)
		}
		if _, dup := st.pending[msg.MessageID]; dup {
			st.mu.Unlock()
			s.metrics.duplicates.Add(1)
			return IngestDuplicate
		}
		if st.buf.Enqueue(msg) {
			s.acceptLocked(ctx, st, msg)
			st.mu.Unlock()
			return IngestAccepted
		}
		// Another ingest took the freed slot; wait for the next drain.
	}
}

// acceptLocked finishes an accepted enqueue: pending set, persistence,
// and the timer state machine. st.mu must be held.
func (s *Service) acceptLocked(ctx context.Context, st *userState, msg messaging.Message) {
	st.pending[msg.MessageID] = struct{}{}
	now := s.clk.Now()
	st.lastActivity = now
	s.metrics.ingested.Add(1)
	s.metrics.pendingMessages.Add(1)

	if err := s.store.Store(ctx, st.userID, msg); err != nil {
		logger.G(ctx).WithError(err).WithFields(map[string]any{
			"user_id":    st.userID,
			"message_id": msg.MessageID,
		}).Error("failed to persist pending message")
	}

	if st.buf.Len() == 1 {
		// First message of a fresh cycle arms both timers. The timeout
		// bounds absolute wait from this message and is never reset.
		st.batchStartedAt = now
		epoch := st.epoch
		st.silenceHandle = s.sched.Schedule(s.opts.SilenceThreshold, s.onSilence(st.userID, epoch))
		st.timeoutHandle = s.sched.Schedule(s.opts.AdaptiveTimeout, s.onTimeout(st.userID, epoch))
		return
	}
	// Any later message resets only the silence timer. Resetting can race
	// the timer's own firing; the callback re-checks the last arrival and
	// re-arms itself when it loses.
	s.sched.Reschedule(st.silenceHandle, s.opts.SilenceThreshold)
}

// onSilence drains after a quiet period, re-arming when a message arrived
// between the timer firing and the callback observing the buffer.
func (s *Service) onSilence(userID string, epoch uint64) Callback {
	return func(now time.Time) {
		st, ok := s.currentState(userID)
		if !ok {
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.evicted || st.epoch != epoch || st.buf.IsEmpty() {
			return
		}
		quiet := now.Sub(st.buf.LastMessageAt())
		if quiet < s.opts.SilenceThreshold {
			st.silenceHandle = s.sched.Schedule(s.opts.SilenceThreshold-quiet, s.onSilence(userID, epoch))
			return
		}
		s.drainLocked(s.runCtx, st, "silence")
	}
}

// onTimeout drains unconditionally: the adaptive timeout bounds how long
// the first message of a batch can wait.
func (s *Service) onTimeout(userID string, epoch uint64) Callback {
	return func(time.Time) {
		st, ok := s.currentState(userID)
		if !ok {
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.evicted || st.epoch != epoch || st.buf.IsEmpty() {
			return
		}
		s.drainLocked(s.runCtx, st, "timeout")
	}
}

// drainLocked snapshots and empties the buffer, cancels both timers, bumps
// the epoch, and hands the batch to the per-user dispatch queue. st.mu
// must be held; enqueues blocked on it start a fresh cycle afterwards.
func (s *Service) drainLocked(ctx context.Context, st *userState, trigger string) {
	batch := st.buf.Drain()
	if len(batch) == 0 {
		return
	}
	if st.silenceHandle != 0 {
		s.sched.Cancel(st.silenceHandle)
		st.silenceHandle = 0
	}
	if st.timeoutHandle != 0 {
		s.sched.Cancel(st.timeoutHandle)
		st.timeoutHandle = 0
	}
	st.epoch++
	item := &batchItem{
		id:        uuid.NewString(),
		batch:     batch,
		startedAt: st.batchStartedAt,
		trigger:   trigger,
	}
	st.batchStartedAt = time.Time{}
	s.metrics.pendingMessages.Add(-int64(len(batch)))

	// Free one ingest blocked on BLOCK_UNTIL_SPACE.
	select {
	case st.space <- struct{}{}:
	default:
	}

	if err := s.store.Remove(ctx, st.userID); err != nil {
		logger.G(ctx).WithError(err).WithField("user_id", st.userID).Error("failed to clear persisted messages")
	}

	logger.G(ctx).WithFields(map[string]any{
		"user_id":    st.userID,
		"batch_id":   item.id,
		"batch_size": len(batch),
		"trigger":    trigger,
	}).Debug("batch drained")

	// Batches for one user run strictly in order: while one is in flight
	// the next waits for the serialisation token.
	if st.inflight {
		st.ready = append(st.ready, item)
		return
	}
	st.inflight = true
	s.startBatch(st, item)
}

func (s *Service) startBatch(st *userState, item *batchItem) {
	s.workers.Add(1)
	go s.runBatch(st, item)
}

func (s *Service) runBatch(st *userState, item *batchItem) {
	defer s.workers.Done()
	ctx := s.runCtx
	s.metrics.dispatched.Add(1)

	began := s.clk.Now()
	outcome := OutcomeShutdown
	var err error
	if acqErr := s.sem.Acquire(ctx, 1); acqErr == nil {
		outcome, err = s.processBatch(ctx, st.userID, item)
		s.sem.Release(1)
	} else {
		err = acqErr
	}
	s.finalize(ctx, st, item, outcome, err, s.clk.Now().Sub(began))
}

// processBatch runs the attempt loop for one batch: pre hooks, processor,
// post hooks, with retries on transient failures. One span covers every
// attempt up to the terminal outcome.
func (s *Service) processBatch(ctx context.Context, userID string, item *batchItem) (string, error) {
	hctx := hooks.NewContext(userID, item.batch, item.startedAt)
	ctx, span := telemetry.StartSpan(ctx, "batching.process_batch",
		attribute.String("user_id", userID),
		attribute.String("batch_id", item.id),
		attribute.Int("batch_size", len(item.batch)),
		attribute.String("trigger", item.trigger),
	)
	defer span.End()
	ctx = withBatchID(ctx, item.id)
	log := logger.G(ctx).WithFields(map[string]any{
		"user_id":    userID,
		"batch_id":   item.id,
		"batch_size": len(item.batch),
	})

	delayType := retry.FixedDelay
	if s.opts.Retry.ExponentialBackoff {
		delayType = retry.BackOffDelay
	}

	err := retry.Do(
		func() error {
			item.attempts++
			hctx.IsRetry = item.attempts > 1
			hctx.RetryCount = item.attempts - 1
			return s.attempt(ctx, hctx)
		},
		retry.RetryIf(s.isRetryable),
		retry.Attempts(uint(s.opts.Retry.MaxRetries)+1),
		retry.Delay(s.opts.Retry.RetryDelay),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.retries.Add(1)
			telemetry.AddEvent(ctx, "batch_retry",
				attribute.Int("attempt", int(n)+1),
				attribute.String("error", err.Error()),
			)
			log.WithError(err).WithFields(map[string]any{
				"attempt":      n + 1,
				"max_attempts": s.opts.Retry.MaxRetries + 1,
			}).Warn("batch attempt failed, retrying")
		}),
	)

	outcome := s.classifyOutcome(err)
	span.SetAttributes(
		attribute.Int("attempt", item.attempts),
		attribute.String("outcome", outcome),
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return outcome, err
}

// attempt is one pre -> process -> post pass.
func (s *Service) attempt(ctx context.Context, hctx *hooks.Context) error {
	if err := s.hooks.RunPre(ctx, hctx); err != nil {
		return err
	}
	if err := s.processor.Process(ctx, hctx.UserID, hctx.Batch); err != nil {
		return errors.Wrap(err, "processor")
	}
	if err := s.hooks.RunPost(ctx, hctx); err != nil {
		if _, ok := hooks.IsAbort(err); ok {
			// The processor already consumed the batch; a post abort only
			// skips the remaining post hooks.
			logger.G(ctx).WithError(err).WithField("user_id", hctx.UserID).Info("post hook aborted, batch already processed")
			return nil
		}
		return err
	}
	return nil
}

// isRetryable excludes cooperative aborts, fatal-tagged failures, and
// cancellation from the retry loop.
func (s *Service) isRetryable(err error) bool {
	if _, ok := hooks.IsAbort(err); ok {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (s *Service) classifyOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case isAbortErr(err):
		return OutcomeAbort
	case errors.Is(err, context.Canceled) && s.runCtx.Err() != nil:
		return OutcomeShutdown
	default:
		return OutcomeExhausted
	}
}

func isAbortErr(err error) bool {
	_, ok := hooks.IsAbort(err)
	return ok
}

// finalize settles one batch's terminal outcome: dedup marking, dead
// letter routing, user notification, metrics, and release of the per-user
// serialisation token. Bookkeeping runs on an uncancellable context so a
// shutdown cannot corrupt dedup ownership decided here.
func (s *Service) finalize(ctx context.Context, st *userState, item *batchItem, outcome string, err error, duration time.Duration) {
	bookCtx := context.WithoutCancel(ctx)
	log := logger.G(ctx).WithFields(map[string]any{
		"user_id":    st.userID,
		"batch_id":   item.id,
		"batch_size": len(item.batch),
		"attempts":   item.attempts,
	})

	switch outcome {
	case OutcomeSuccess:
		s.markProcessed(bookCtx, st.userID, item.batch)
		s.metrics.succeeded.Add(1)
		log.WithField("duration", duration).Debug("batch processed")

	case OutcomeAbort:
		s.metrics.aborted.Add(1)
		if ae, ok := hooks.IsAbort(err); ok {
			log.WithFields(map[string]any{"code": ae.Code, "reason": ae.Reason}).Info("batch aborted by hook")
		}

	case OutcomeShutdown:
		s.metrics.failed.Add(1)
		log.WithError(err).Warn("batch interrupted by shutdown")

	default: // OutcomeExhausted
		s.metrics.failed.Add(1)
		if IsFatal(err) {
			log.WithError(err).Error("batch failed with non-retryable error")
		} else {
			log.WithError(err).Error("batch failed after exhausting retries")
		}
		if s.deadLetter != nil {
			dead := DeadBatch{
				UserID:   st.userID,
				BatchID:  item.id,
				Attempts: item.attempts,
				FailedAt: s.clk.Now(),
				Messages: item.batch,
			}
			if err != nil {
				dead.Reason = err.Error()
			}
			if dlqErr := s.deadLetter(bookCtx, dead); dlqErr != nil {
				log.WithError(dlqErr).Error("dead letter handler failed")
			}
			s.metrics.deadLettered.Add(1)
			// The dead letter owns the batch now; mark processed so a
			// webhook replay cannot resurrect it. Without a handler the
			// batch stays unmarked and replay is the recovery path.
			s.markProcessed(bookCtx, st.userID, item.batch)
		}
		if s.opts.Retry.NotifyUserOnFailure {
			s.notify(bookCtx, st.userID, s.opts.Retry.UserNotificationMessage)
		}
	}

	if s.observer != nil {
		event := OutcomeEvent{
			UserID:    st.userID,
			BatchID:   item.id,
			BatchSize: len(item.batch),
			Attempts:  item.attempts,
			Outcome:   outcome,
			Duration:  duration,
		}
		if err != nil {
			event.Error = err.Error()
		}
		s.observer.BatchOutcome(bookCtx, event)
	}

	st.mu.Lock()
	for _, m := range item.batch {
		delete(st.pending, m.MessageID)
	}
	st.lastActivity = s.clk.Now()
	if len(st.ready) > 0 {
		next := st.ready[0]
		st.ready = st.ready[1:]
		s.startBatch(st, next)
	} else {
		st.inflight = false
	}
	st.mu.Unlock()
}

func (s *Service) markProcessed(ctx context.Context, userID string, batch []messaging.Message) {
	for _, m := range batch {
		if err := s.store.MarkProcessed(ctx, userID, m.MessageID); err != nil {
			logger.G(ctx).WithError(err).WithFields(map[string]any{
				"user_id":    userID,
				"message_id": m.MessageID,
			}).Error("failed to mark message processed")
		}
	}
}

func (s *Service) notify(ctx context.Context, userID, text string) {
	if s.notifier == nil || text == "" {
		return
	}
	if err := s.notifier.NotifyUser(ctx, userID, text); err != nil {
		logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("failed to notify user")
		return
	}
	s.metrics.notified.Add(1)
}

// Recover re-enqueues messages a durable store persisted before a restart.
// Recovered messages skip the limiter, they were admitted once already.
// Call it before the webhook surface starts accepting traffic.
func (s *Service) Recover(ctx context.Context) (int, error) {
	lister, ok := s.store.(store.PendingLister)
	if !ok {
		return 0, nil
	}
	users, err := lister.PendingUsers(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list users with pending messages")
	}

	recovered := 0
	for _, userID := range users {
		msgs, err := s.store.Retrieve(ctx, userID)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("user_id", userID).Error("failed to retrieve persisted messages")
			continue
		}
		st := s.lockedState(userID)
		for _, msg := range msgs {
			if _, dup := st.pending[msg.MessageID]; dup {
				continue
			}
			if !st.buf.Enqueue(msg) {
				// More persisted messages than one buffer holds: dispatch
				// the full cycle and keep filling. The snapshot is already
				// in memory, so clearing the journal mid-loop loses nothing.
				s.drainLocked(ctx, st, "recovery")
				st.buf.Enqueue(msg)
			}
			st.pending[msg.MessageID] = struct{}{}
			s.metrics.pendingMessages.Add(1)
			recovered++
			if st.buf.Len() == 1 {
				st.batchStartedAt = s.clk.Now()
				epoch := st.epoch
				st.silenceHandle = s.sched.Schedule(s.opts.SilenceThreshold, s.onSilence(userID, epoch))
				st.timeoutHandle = s.sched.Schedule(s.opts.AdaptiveTimeout, s.onTimeout(userID, epoch))
			}
		}
		st.lastActivity = s.clk.Now()
		st.mu.Unlock()
	}
	if recovered > 0 {
		logger.G(ctx).WithFields(map[string]any{
			"messages": recovered,
			"users":    len(users),
		}).Info("recovered persisted pending messages")
	}
	return recovered, nil
}

// Close stops the pipeline: new ingests are rejected, every armed timer is
// cancelled, in-flight processor invocations receive a cancellation
// signal, and workers get until ctx's deadline to finish.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sched.Stop()
	s.cancelRun()
	<-s.sweepDone

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	var result *multierror.Error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "shutdown grace period expired"))
	}
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to close message store"))
	}
	return result.ErrorOrNil()
}

// Snapshot reads the pipeline counters without locking.
func (s *Service) Snapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// sweep evicts per-user state that has been idle for IdleTTL. Limiter and
// processed-set state live three times as long so a returning user keeps
// their dedup history and does not get a fresh burst allowance.
func (s *Service) sweep() {
	defer close(s.sweepDone)
	if s.opts.IdleTTL <= 0 {
		return
	}
	interval := s.opts.IdleTTL / 2
	for {
		select {
		case <-s.runCtx.Done():
			return
		case now := <-s.clk.After(interval):
			evicted := s.evictIdle(now)
			evicted += s.limiters.EvictIdle(3 * s.opts.IdleTTL)
			if evicted > 0 {
				logger.G(s.runCtx).WithField("evicted", evicted).Debug("idle eviction sweep")
			}
		}
	}
}

// evictIdle drops user states whose buffer is empty, with nothing in
// flight, untouched since before the cutoff.
func (s *Service) evictIdle(now time.Time) int {
	cutoff := now.Add(-s.opts.IdleTTL)
	evicted := 0
	s.users.Range(func(key, value any) bool {
		st := value.(*userState)
		st.mu.Lock()
		idle := !st.inflight && len(st.ready) == 0 && len(st.pending) == 0 &&
			st.buf.IsEmpty() && st.lastActivity.Before(cutoff)
		if idle {
			st.evicted = true
			s.users.Delete(key)
			s.metrics.activeUsers.Add(-1)
			evicted++
		}
		st.mu.Unlock()
		return true
	})
	return evicted
}

// currentState looks up a user's state without creating it.
func (s *Service) currentState(userID string) (*userState, bool) {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userState), true
}

// lockedState returns the user's state with its mutex held, recreating the
// entry when an idle eviction won the race.
func (s *Service) lockedState(userID string) *userState {
	for {
		st := s.state(userID)
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// state returns the user's state, creating it on first use.
func (s *Service) state(userID string) *userState {
	if v, ok := s.users.Load(userID); ok {
		return v.(*userState)
	}
	fresh := &userState{
		userID:       userID,
		buf:          NewBuffer(s.opts.MaxBufferSize),
		pending:      make(map[string]struct{}),
		lastActivity: s.clk.Now(),
		space:        make(chan struct{}, 1),
	}
	v, loaded := s.users.LoadOrStore(userID, fresh)
	if !loaded {
		s.metrics.activeUsers.Add(1)
	}
	return v.(*userState)
}
