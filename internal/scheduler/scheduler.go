// Package scheduler drives one auction document through its stage plan.
//
// A Scheduler owns the live document. Stage transitions, bids and
// cancellation run under one mutex, each change is persisted before the
// single timer is rearmed for the next stage's absolute end time, and
// readers get immutable snapshots without taking the lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/Scandie/openprocurement.auction.dutch/internal/bid"
	"github.com/Scandie/openprocurement.auction.dutch/internal/clock"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/notify"
	"github.com/Scandie/openprocurement.auction.dutch/internal/store"
)

const scope = "github.com/Scandie/openprocurement.auction.dutch/internal/scheduler"

// Errors for operations the auction's state does not allow.
var (
	ErrNotStarted     = errors.New("auction not started")
	ErrAlreadyStarted = errors.New("auction already started")
	ErrCancelled      = errors.New("auction cancelled")
	ErrFinished       = errors.New("auction finished")
	ErrStopped        = errors.New("scheduler stopped")
)

// Store persists documents. *store.Gateway implements it.
type Store interface {
	Get(ctx context.Context, id, knownRevision string) (*document.Auction, error)
	Save(ctx context.Context, doc *document.Auction) (id, revision string, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPublisher publishes the public document after every successful save.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithSaveTimeout bounds every persistence attempt, retries included.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.saveTimeout = d
		}
	}
}

// WithMeterProvider records transition, bid and save failure counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Scheduler) { s.meter = mp.Meter(scope) }
}

// Scheduler advances a single auction through its stages.
type Scheduler struct {
	mu      sync.Mutex
	doc     *document.Auction
	timer   clock.Timer
	gen     uint64
	stopped bool

	snapshot atomic.Pointer[document.Auction]
	done     chan struct{}
	doneOnce sync.Once

	store       Store
	publisher   notify.Publisher
	saveTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	clock       clock.Clock

	transitions  metric.Int64Counter
	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	saveFailures metric.Int64Counter
}

// New returns a Scheduler owning a copy of doc.
func New(doc *document.Auction, st Store, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		doc:         doc.Clone(),
		done:        make(chan struct{}),
		store:       st,
		publisher:   notify.Nop{},
		saveTimeout: 10 * time.Second,
		logger:      logger.With(slog.String("auction_id", doc.ID)),
		tracer:      tp.Tracer(scope),
		meter:       noopmetric.NewMeterProvider().Meter(scope),
		clock:       clk,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.transitions = counter(s.meter, "auction.stage.transitions", "Stage transitions")
	s.bidsAccepted = counter(s.meter, "auction.bids.accepted", "Accepted bids")
	s.bidsRejected = counter(s.meter, "auction.bids.rejected", "Rejected bids")
	s.saveFailures = counter(s.meter, "auction.save.failures", "Document saves abandoned after retries")

	s.snapshot.Store(s.doc.Clone())
	if s.doc.IsCancelled() || s.doc.IsFinished() {
		s.finish()
	}
	return s
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noopmetric.Meter{}.Int64Counter(name)
	}
	return c
}

// Schedule arms the timer that starts the auction at the given instant.
// An instant in the past starts it on the next timer tick.
func (s *Scheduler) Schedule(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startable(); err != nil {
		return err
	}
	s.stopTimer()
	gen := s.gen
	s.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), func() { s.fire(gen) })

	s.logger.InfoContext(ctx, "auction scheduled", slog.Time("start_at", at))
	return nil
}

// Start moves a prepared auction to its first stage.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startable(); err != nil {
		return err
	}
	s.enter(ctx, 0, "start")
	return nil
}

// Resume rearms the timer for an auction loaded after a restart. A stage
// whose end has already passed is left on the next timer tick.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.doc.IsCancelled():
		s.finish()
		return ErrCancelled
	case s.doc.CurrentStage == document.NotStarted:
		return ErrNotStarted
	case s.doc.IsFinished():
		s.finish()
		return nil
	}

	s.rearm()
	s.logger.InfoContext(ctx, "auction resumed",
		slog.Int("stage", s.doc.CurrentStage),
		slog.String("stage_type", string(s.doc.Current().Type)),
	)
	return nil
}

// Advance ends the current stage now, through the same transition as the
// timer.
func (s *Scheduler) Advance(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Advance")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.doc.IsCancelled():
		return ErrCancelled
	case s.doc.CurrentStage == document.NotStarted:
		return ErrNotStarted
	case s.doc.IsFinished():
		return ErrFinished
	}
	s.enter(ctx, s.doc.CurrentStage+1, "manual")
	return nil
}

// Cancel marks the auction cancelled, persists it and disables the timer.
// Cancelling twice is a no-op; a finished auction cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Cancel")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.IsCancelled() {
		return nil
	}
	if s.doc.IsFinished() {
		return ErrFinished
	}

	from := s.doc.CurrentStage
	s.doc.CurrentStage = document.Cancelled
	s.stopTimer()
	s.logger.InfoContext(ctx, "auction cancelled", slog.Int("from_stage", from))

	s.persist(ctx)
	s.snapshot.Store(s.doc.Clone())
	s.finish()
	if s.doc.IsFinished() {
		return ErrFinished
	}
	return nil
}

// SubmitBid records a bid for the stage at stageIndex. Rejections are
// returned as *bid.RejectedError. A winning dutch claim ends the dutch
// phase at once.
func (s *Scheduler) SubmitBid(ctx context.Context, stageIndex int, bidderID string, amount decimal.Decimal) (*document.Stage, error) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.SubmitBid",
		trace.WithAttributes(
			attribute.Int("stage", stageIndex),
			attribute.String("bidder_id", bidderID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	stage, err := bid.Submit(s.doc, stageIndex, bid.Submission{BidderID: bidderID, Amount: amount}, s.clock.Now())
	if err != nil {
		var rej *bid.RejectedError
		if errors.As(err, &rej) {
			s.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rej.Reason))))
			s.logger.InfoContext(ctx, "bid rejected",
				slog.Int("stage", stageIndex),
				slog.String("bidder_id", bidderID),
				slog.String("reason", string(rej.Reason)),
			)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	accepted := stage.Clone()
	last := accepted.Bids[len(accepted.Bids)-1]
	s.bidsAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("stage.type", string(accepted.Type))))
	s.logger.InfoContext(ctx, "bid accepted",
		slog.Int("stage", stageIndex),
		slog.String("stage_type", string(accepted.Type)),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.Bool("dutch_winner", last.DutchWinner),
	)

	if s.persist(ctx) {
		// The stored document moved on without this bid.
		s.rearm()
		s.snapshot.Store(s.doc.Clone())
		if s.doc.IsCancelled() || s.doc.IsFinished() {
			s.finish()
		}
		if s.doc.IsCancelled() {
			return nil, ErrCancelled
		}
		return nil, &bid.RejectedError{Reason: bid.ReasonStageMismatch, Detail: "auction moved to another stage"}
	}
	if accepted.Type == document.Dutch && last.DutchWinner {
		if next := s.doc.IndexOf(document.PreSealedBid); next > s.doc.CurrentStage {
			s.enter(ctx, next, "dutch claim")
			return &accepted, nil
		}
	}
	s.snapshot.Store(s.doc.Clone())
	return &accepted, nil
}

// Snapshot returns a copy of the latest document state.
func (s *Scheduler) Snapshot() *document.Auction {
	return s.snapshot.Load().Clone()
}

// Done is closed once the auction is finished or cancelled.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Stop disables the timer. Pending wake-ups never fire after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopTimer()
}

// fire runs a timer wake-up armed at generation gen.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.stopped || s.doc.IsCancelled() || s.doc.IsFinished() {
		return
	}
	s.timer = nil

	ctx, span := s.tracer.Start(context.Background(), "Scheduler.fire")
	defer span.End()
	s.enter(ctx, s.doc.CurrentStage+1, "timer")
}

// enter makes idx the current stage, persists the document and rearms the
// timer. s.mu must be held.
func (s *Scheduler) enter(ctx context.Context, idx int, reason string) {
	now := s.clock.Now()
	from := s.doc.CurrentStage

	s.doc.CurrentStage = idx
	stage := &s.doc.Stages[idx]
	start := now
	stage.Start = &start
	if s.doc.IsFinished() {
		end := now
		s.doc.EndDate = &end
		s.doc.Results = bid.Results(s.doc)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("stage.type", string(stage.Type))))
	s.logger.InfoContext(ctx, "stage entered",
		slog.Int("from_stage", from),
		slog.Int("stage", idx),
		slog.String("stage_type", string(stage.Type)),
		slog.String("reason", reason),
	)

	s.persist(ctx)
	s.rearm()
	s.snapshot.Store(s.doc.Clone())
	if s.doc.IsFinished() || s.doc.IsCancelled() {
		s.finish()
	}
}

// rearm replaces the timer with one for the current stage's end. s.mu must
// be held.
func (s *Scheduler) rearm() {
	s.stopTimer()
	if s.stopped || s.doc.IsCancelled() || s.doc.IsFinished() {
		return
	}
	stage := s.doc.Current()
	if stage == nil {
		return
	}
	end, ok := stage.End()
	if !ok {
		return
	}
	gen := s.gen
	s.timer = s.clock.AfterFunc(end.Sub(s.clock.Now()), func() { s.fire(gen) })
}

// stopTimer stops the pending timer and invalidates wake-ups already in
// flight. s.mu must be held.
func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// persist saves the document. A transient failure is retried once; a
// conflict is reconciled against the stored document and saved at most once
// more. Anything else leaves the change in memory only. persist reports
// whether the in-memory document was replaced by stored state. s.mu must
// be held.
func (s *Scheduler) persist(ctx context.Context) (replaced bool) {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	before := s.doc
	err := s.save(ctx)
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrTransient):
		s.logger.WarnContext(ctx, "retrying document save", slog.Any("error", err))
		err = s.save(ctx)
	case errors.Is(err, store.ErrConflict):
		s.logger.WarnContext(ctx, "reconciling after conflict", slog.String("revision", s.doc.Revision))
		var resave bool
		if resave, err = s.reconcile(ctx); err == nil && resave {
			err = s.save(ctx)
		}
	}
	if err != nil {
		s.saveFailures.Add(ctx, 1)
		s.logger.ErrorContext(ctx, "document not saved, keeping state in memory",
			slog.Int("stage", s.doc.CurrentStage),
			slog.Any("error", err),
		)
	}
	return s.doc != before
}

func (s *Scheduler) save(ctx context.Context) error {
	_, rev, err := s.store.Save(ctx, s.doc)
	if err != nil {
		return err
	}
	s.doc.Revision = rev

	if err := s.publisher.Publish(ctx, s.doc.Public()); err != nil {
		s.logger.WarnContext(ctx, "publishing document", slog.Any("error", err))
	}
	return nil
}

// reconcile resolves a save conflict against the stored document and
// reports whether the result still has to be saved. A pending cancellation
// is applied on top of the stored document unless that one has finished.
// A stored cancellation or a stored document further along the plan
// replaces the in-memory one. Otherwise the in-memory changes are merged
// onto the stored revision. s.mu must be held.
func (s *Scheduler) reconcile(ctx context.Context) (bool, error) {
	stored, err := s.store.Get(ctx, s.doc.ID, s.doc.Revision)
	if err != nil {
		return false, fmt.Errorf("refetching document: %w", err)
	}

	switch {
	case s.doc.IsCancelled() && !stored.IsFinished():
		stored.CurrentStage = document.Cancelled
		s.doc = stored
		return true, nil
	case stored.IsCancelled(), stored.CurrentStage > s.doc.CurrentStage:
		s.logger.WarnContext(ctx, "adopting stored document",
			slog.Int("stage", s.doc.CurrentStage),
			slog.Int("stored_stage", stored.CurrentStage),
			slog.String("revision", stored.Revision),
		)
		s.stopTimer()
		s.doc = stored
		return false, nil
	}

	mergeBids(s.doc, stored)
	if s.doc.IsFinished() {
		s.doc.Results = bid.Results(s.doc)
	}
	s.doc.Revision = stored.Revision
	return true, nil
}

// mergeBids adds the bids only src has to dst, keeping arrival order and at
// most one dutch winner per stage.
func mergeBids(dst, src *document.Auction) {
	if len(dst.Stages) != len(src.Stages) {
		return
	}
	for i := range dst.Stages {
		stage := &dst.Stages[i]
		added := false
		for _, b := range src.Stages[i].Bids {
			if !hasBid(stage.Bids, b) {
				stage.Bids = append(stage.Bids, b)
				added = true
			}
		}
		if !added {
			continue
		}
		sort.SliceStable(stage.Bids, func(x, y int) bool { return stage.Bids[x].Time.Before(stage.Bids[y].Time) })
		winner := false
		for j := range stage.Bids {
			if stage.Bids[j].DutchWinner {
				stage.Bids[j].DutchWinner = !winner
				winner = true
			}
		}
	}
}

func hasBid(bids []document.Bid, b document.Bid) bool {
	for _, o := range bids {
		if o.BidderID == b.BidderID && o.Amount.Equal(b.Amount) && o.Time.Equal(b.Time) {
			return true
		}
	}
	return false
}

func (s *Scheduler) startable() error {
	switch {
	case s.stopped:
		return ErrStopped
	case s.doc.IsCancelled():
		return ErrCancelled
	case s.doc.CurrentStage != document.NotStarted:
		return ErrAlreadyStarted
	}
	return nil
}

func (s *Scheduler) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
