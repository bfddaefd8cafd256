// Package auction orchestrates the lifecycle of the one auction a process
// runs: preparing its document from upstream data, handing it to the
// scheduler and cancelling it when the tender disappears.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Scandie/openprocurement.auction.dutch/internal/clock"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/plan"
	"github.com/Scandie/openprocurement.auction.dutch/internal/resource"
	"github.com/Scandie/openprocurement.auction.dutch/internal/scheduler"
	"github.com/Scandie/openprocurement.auction.dutch/internal/store"
)

// Log messages emitted by the Controller.
const (
	MsgPrepare   = "prepare insider auction"
	MsgNotExists = "auction not exists"
	MsgCancel    = "cancel auction"
	MsgReuse     = "reusing stored auction document"
	MsgPrepared  = "auction document prepared"
)

var (
	// ErrTenderMissing is returned once the upstream tender is gone.
	ErrTenderMissing = errors.New("tender no longer exists upstream")
	// ErrNotPrepared is returned before a document has been prepared.
	ErrNotPrepared = errors.New("auction document not prepared")
)

// TenderSource fetches upstream tender data. *resource.Client implements it.
type TenderSource interface {
	Tender(ctx context.Context, requestID string) (*resource.Tender, error)
	Auction(ctx context.Context, requestID string) (*resource.Tender, error)
}

// Options configures a Controller.
type Options struct {
	// AuctionID is the document id, derived from the tender id.
	AuctionID string
	Sandbox   bool
	// Plan overrides the timings of the selected mode when set.
	Plan *plan.Config
	// Exit terminates the process once the tender is gone. Defaults to os.Exit.
	Exit             func(code int)
	SchedulerOptions []scheduler.Option
}

// Controller wires a tender source, the document store and one scheduler.
type Controller struct {
	id       string
	mode     document.Mode
	plan     plan.Config
	exit     func(int)
	schedOpt []scheduler.Option

	source TenderSource
	store  scheduler.Store
	logger *slog.Logger
	tracer trace.Tracer
	tp     trace.TracerProvider
	clock  clock.Clock

	cancelled  chan struct{}
	cancelOnce sync.Once

	mu        sync.Mutex
	requestID string
	doc       *document.Auction // owned here until the scheduler exists
	sched     *scheduler.Scheduler
}

// NewController returns a Controller for opts.AuctionID.
func NewController(opts Options, source TenderSource, st scheduler.Store, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Controller {
	mode := document.ModeProduction
	if opts.Sandbox {
		mode = document.ModeSandbox
	}
	cfg := plan.For(mode)
	if opts.Plan != nil {
		cfg = *opts.Plan
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &Controller{
		id:        opts.AuctionID,
		mode:      mode,
		plan:      cfg,
		exit:      exit,
		schedOpt:  opts.SchedulerOptions,
		source:    source,
		store:     st,
		logger:    logger.With(slog.String("auction_id", opts.AuctionID)),
		tracer:    tp.Tracer("github.com/Scandie/openprocurement.auction.dutch/internal/auction"),
		tp:        tp,
		clock:     clk,
		cancelled: make(chan struct{}),
	}
}

// PrepareAuctionDocument loads the stored document or builds a new one from
// fresh upstream data. A document that has started or been cancelled is
// reused unchanged; a prepared but unstarted one is rebuilt under its
// stored revision.
func (c *Controller) PrepareAuctionDocument(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Controller.PrepareAuctionDocument")
	defer span.End()

	c.newRequestID()
	existing, err := c.load(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.CurrentStage != document.NotStarted {
		c.logger.InfoContext(ctx, MsgReuse,
			slog.Int("stage", existing.CurrentStage),
			slog.String("revision", existing.Revision),
		)
		c.adopt(existing)
		return nil
	}

	info, err := c.GetAuctionInfo(ctx, true)
	if err != nil {
		return err
	}
	return c.saveNew(ctx, info, existing)
}

// PrepareAuction builds and stores the document from the tender alone. When
// the tender is gone it logs so and cancels a stored document, if any.
func (c *Controller) PrepareAuction(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Controller.PrepareAuction")
	defer span.End()

	reqID := c.newRequestID()
	info, err := c.source.Tender(ctx, reqID)
	if errors.Is(err, resource.ErrNotFound) {
		c.logger.WarnContext(ctx, MsgNotExists, slog.String("request_id", reqID))
		if _, err := c.cancelStored(ctx); err != nil {
			return err
		}
		return ErrTenderMissing
	}
	if err != nil {
		return fmt.Errorf("fetching tender: %w", err)
	}
	c.logger.InfoContext(ctx, MsgPrepare,
		slog.String("request_id", reqID),
		slog.String("tender_status", info.Status),
	)

	existing, err := c.load(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.CurrentStage != document.NotStarted {
		c.adopt(existing)
		return nil
	}
	return c.saveNew(ctx, info, existing)
}

// GetAuctionInfo refreshes the start date and source snapshot from the
// auction sub-resource, fetching the tender first when prepare is set. If
// the sub-resource is gone the auction is cancelled, the cancellation is
// signalled and the process is terminated through the exit function.
func (c *Controller) GetAuctionInfo(ctx context.Context, prepare bool) (*resource.Tender, error) {
	ctx, span := c.tracer.Start(ctx, "Controller.GetAuctionInfo",
		trace.WithAttributes(attribute.Bool("prepare", prepare)),
	)
	defer span.End()

	c.mu.Lock()
	reqID := c.requestID
	c.mu.Unlock()
	if reqID == "" {
		reqID = c.newRequestID()
	}

	var base *resource.Tender
	if prepare {
		t, err := c.source.Tender(ctx, reqID)
		if err != nil && !errors.Is(err, resource.ErrNotFound) {
			return nil, fmt.Errorf("fetching tender: %w", err)
		}
		base = t
	}

	info, err := c.source.Auction(ctx, reqID)
	if errors.Is(err, resource.ErrNotFound) {
		c.terminate(ctx)
		return nil, ErrTenderMissing
	}
	if err != nil {
		return nil, fmt.Errorf("fetching auction info: %w", err)
	}

	info = merge(info, base)
	c.refresh(info)
	return info, nil
}

// PreparePublicDocument returns a sanitized copy of the current document.
func (c *Controller) PreparePublicDocument() *document.Auction {
	doc := c.Document()
	if doc == nil {
		return nil
	}
	return doc.Public()
}

// Document returns a copy of the current document, or nil before prepare.
func (c *Controller) Document() *document.Auction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil {
		return c.sched.Snapshot()
	}
	return c.doc.Clone()
}

// ScheduleAuction arms the start of the auction at its start date.
func (c *Controller) ScheduleAuction(ctx context.Context) error {
	s, err := c.scheduler()
	if err != nil {
		return err
	}
	return s.Schedule(ctx, s.Snapshot().StartDate)
}

// StartAuction moves the auction to its first stage now.
func (c *Controller) StartAuction(ctx context.Context) error {
	s, err := c.scheduler()
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// CancelAuction cancels the auction and signals the cancellation.
func (c *Controller) CancelAuction(ctx context.Context) error {
	s, err := c.scheduler()
	if err != nil {
		return err
	}
	if err := s.Cancel(ctx); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, MsgCancel)
	c.signalCancel()
	return nil
}

// SubmitBid routes a bid to the scheduler.
func (c *Controller) SubmitBid(ctx context.Context, stage int, bidderID string, amount decimal.Decimal) (*document.Stage, error) {
	s, err := c.scheduler()
	if err != nil {
		return nil, err
	}
	return s.SubmitBid(ctx, stage, bidderID, amount)
}

// Done is closed once the auction reaches its announcement or is cancelled.
// Before the document is prepared it returns a nil channel.
func (c *Controller) Done() <-chan struct{} {
	s, err := c.scheduler()
	if err != nil {
		return nil
	}
	return s.Done()
}

// Cancelled is closed once the auction has been cancelled.
func (c *Controller) Cancelled() <-chan struct{} {
	return c.cancelled
}

// Run prepares the auction, schedules or resumes it and blocks until it
// ends or ctx is cancelled. The timer is stopped before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.PrepareAuctionDocument(ctx); err != nil {
		return fmt.Errorf("preparing auction document: %w", err)
	}
	s, err := c.scheduler()
	if err != nil {
		return err
	}
	defer s.Stop()

	doc := s.Snapshot()
	switch {
	case doc.IsCancelled():
		c.signalCancel()
		return nil
	case doc.CurrentStage == document.NotStarted:
		err = s.Schedule(ctx, doc.StartDate)
	default:
		err = s.Resume(ctx)
	}
	if err != nil {
		return fmt.Errorf("arming auction: %w", err)
	}

	select {
	case <-s.Done():
		if s.Snapshot().IsCancelled() {
			c.signalCancel()
		}
	case <-ctx.Done():
	}
	return nil
}

// scheduler returns the scheduler, creating it from the prepared document.
func (c *Controller) scheduler() (*scheduler.Scheduler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil {
		return c.sched, nil
	}
	if c.doc == nil {
		return nil, ErrNotPrepared
	}
	c.sched = scheduler.New(c.doc, c.store, c.logger, c.tp, c.clock, c.schedOpt...)
	c.doc = nil
	return c.sched, nil
}

func (c *Controller) saveNew(ctx context.Context, info *resource.Tender, existing *document.Auction) error {
	doc, err := c.build(info)
	if err != nil {
		return err
	}
	if existing != nil {
		doc.Revision = existing.Revision
	}

	_, rev, err := c.store.Save(ctx, doc)
	if err != nil {
		return fmt.Errorf("saving auction document: %w", err)
	}
	doc.Revision = rev
	c.logger.InfoContext(ctx, MsgPrepared,
		slog.Int("stages", len(doc.Stages)),
		slog.Time("start_date", doc.StartDate),
		slog.String("revision", rev),
	)
	c.adopt(doc)
	return nil
}

func (c *Controller) build(info *resource.Tender) (*document.Auction, error) {
	if info.StartDate.IsZero() {
		return nil, fmt.Errorf("tender %s has no auction start date", info.ID)
	}
	stages, err := plan.Build(c.plan, info.Value, info.BidderCount)
	if err != nil {
		return nil, fmt.Errorf("building stage plan: %w", err)
	}
	return &document.Auction{
		SchemaVersion: document.SchemaVersion,
		ID:            c.id,
		TenderID:      info.ID,
		Mode:          c.mode,
		Stages:        stages,
		CurrentStage:  document.NotStarted,
		StartDate:     info.StartDate,
		InitialValue:  info.Value,
		Currency:      info.Currency,
		SourceData:    append(json.RawMessage(nil), info.Raw...),
	}, nil
}

// terminate handles an auction whose upstream resource is gone.
func (c *Controller) terminate(ctx context.Context) {
	c.mu.Lock()
	s := c.sched
	c.mu.Unlock()

	switch {
	case s != nil:
		if err := s.Cancel(ctx); err != nil {
			c.logger.ErrorContext(ctx, "cancelling auction", slog.Any("error", err))
		}
		c.logger.InfoContext(ctx, MsgCancel)
	default:
		found, err := c.cancelStored(ctx)
		if err != nil {
			c.logger.ErrorContext(ctx, "cancelling auction", slog.Any("error", err))
		}
		if found {
			c.logger.InfoContext(ctx, MsgCancel)
		} else {
			c.logger.WarnContext(ctx, MsgNotExists)
		}
	}
	c.signalCancel()
	c.exit(1)
}

// cancelStored marks the stored document cancelled. It reports whether a
// document existed.
func (c *Controller) cancelStored(ctx context.Context) (bool, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	if doc == nil {
		c.mu.Lock()
		doc = c.doc
		c.mu.Unlock()
		if doc == nil {
			return false, nil
		}
	}
	if doc.IsCancelled() {
		c.adopt(doc)
		return true, nil
	}

	doc.CurrentStage = document.Cancelled
	c.adopt(doc)
	_, rev, err := c.store.Save(ctx, doc)
	if err != nil {
		return true, fmt.Errorf("saving cancelled document: %w", err)
	}
	doc.Revision = rev
	c.adopt(doc)
	return true, nil
}

func (c *Controller) load(ctx context.Context) (*document.Auction, error) {
	c.mu.Lock()
	var known string
	if c.doc != nil {
		known = c.doc.Revision
	}
	c.mu.Unlock()

	doc, err := c.store.Get(ctx, c.id, known)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading auction document: %w", err)
	}
	return doc, nil
}

// adopt keeps a copy of doc as the current document until the scheduler
// takes ownership.
func (c *Controller) adopt(doc *document.Auction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		c.doc = doc.Clone()
	}
}

// refresh copies the upstream start date and snapshot into a prepared
// document that has not started yet.
func (c *Controller) refresh(info *resource.Tender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil || c.doc == nil || c.doc.CurrentStage != document.NotStarted {
		return
	}
	if !info.StartDate.IsZero() {
		c.doc.StartDate = info.StartDate
	}
	c.doc.SourceData = append(json.RawMessage(nil), info.Raw...)
}

func (c *Controller) newRequestID() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.requestID = id
	c.mu.Unlock()
	return id
}

func (c *Controller) signalCancel() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
}

// merge fills fields missing from the auction sub-resource with the
// tender's values.
func merge(info, base *resource.Tender) *resource.Tender {
	if base == nil {
		return info
	}
	out := *info
	if out.ID == "" {
		out.ID = base.ID
	}
	if out.Status == "" {
		out.Status = base.Status
	}
	if out.StartDate.IsZero() {
		out.StartDate = base.StartDate
	}
	if out.Value.IsZero() {
		out.Value = base.Value
		out.Currency = base.Currency
	}
	if out.BidderCount == 0 {
		out.BidderCount = base.BidderCount
	}
	if len(out.Raw) == 0 {
		out.Raw = base.Raw
	}
	return &out
}
