package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
)

// Log messages emitted by the Gateway.
const (
	MsgSaved       = "document saved"
	MsgSaveError   = "error while saving document"
	MsgGetError    = "error while getting document"
	MsgUnhandled   = "unhandled error"
	MsgGot         = "got auction document"
	MsgRevMismatch = "revision mismatch"
)

// Gateway reads and writes auction documents through a driver, translating
// every driver failure into one of the store error kinds. Documents are
// copied on the way in and decoded fresh on the way out, so callers never
// share memory with the Gateway.
type Gateway struct {
	repo   DocumentRepository
	logger *slog.Logger
	tracer trace.Tracer
}

// NewGateway returns a Gateway over repo.
func NewGateway(repo DocumentRepository, logger *slog.Logger, tp trace.TracerProvider) *Gateway {
	return &Gateway{
		repo:   repo,
		logger: logger,
		tracer: tp.Tracer("github.com/Scandie/openprocurement.auction.dutch/internal/store"),
	}
}

// Get loads the document stored under id. When knownRevision is set and the
// stored revision differs, the mismatch is logged and the stored document
// is returned anyway.
func (g *Gateway) Get(ctx context.Context, id, knownRevision string) (*document.Auction, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.Get",
		trace.WithAttributes(attribute.String("document.id", id)),
	)
	defer span.End()

	rec, err := g.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("getting %s: %w", id, ErrNotFound)
	}
	if err != nil {
		err = g.classify(ctx, MsgGetError, id, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	doc, err := decode(rec)
	if err != nil {
		err = g.classify(ctx, MsgGetError, id, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if knownRevision != "" && knownRevision != doc.Revision {
		g.logger.WarnContext(ctx, MsgRevMismatch,
			slog.String("document_id", id),
			slog.String("known_revision", knownRevision),
			slog.String("stored_revision", doc.Revision),
		)
	}
	g.logger.InfoContext(ctx, MsgGot,
		slog.String("document_id", id),
		slog.String("revision", doc.Revision),
	)
	return doc, nil
}

// Save writes doc under its revision and returns the id and the new
// revision. It does not modify doc.
func (g *Gateway) Save(ctx context.Context, doc *document.Auction) (id, revision string, err error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.Save",
		trace.WithAttributes(
			attribute.String("document.id", doc.ID),
			attribute.String("document.revision", doc.Revision),
		),
	)
	defer span.End()

	c := doc.Clone()
	c.Revision = ""
	body, err := json.Marshal(c)
	if err != nil {
		err = g.classify(ctx, MsgSaveError, doc.ID, fmt.Errorf("encoding document: %w", err))
		span.SetStatus(codes.Error, err.Error())
		return "", "", err
	}

	revision, err = g.repo.Put(ctx, Record{ID: doc.ID, Revision: doc.Revision, Body: body})
	if errors.Is(err, ErrConflict) {
		g.logger.WarnContext(ctx, MsgSaveError,
			slog.String("document_id", doc.ID),
			slog.String("revision", doc.Revision),
			slog.Any("error", err),
		)
		span.SetStatus(codes.Error, "conflict")
		return "", "", fmt.Errorf("saving %s at revision %q: %w", doc.ID, doc.Revision, ErrConflict)
	}
	if err != nil {
		err = g.classify(ctx, MsgSaveError, doc.ID, err)
		span.SetStatus(codes.Error, err.Error())
		return "", "", err
	}

	g.logger.InfoContext(ctx, MsgSaved,
		slog.String("document_id", doc.ID),
		slog.String("revision", revision),
	)
	return doc.ID, revision, nil
}

// classify logs err under msg and wraps it in its error kind.
func (g *Gateway) classify(ctx context.Context, msg, id string, err error) error {
	var reported *ReportedError
	switch {
	case errors.As(err, &reported):
		g.logger.ErrorContext(ctx, msg,
			slog.String("document_id", id),
			slog.String("error", reported.Message),
		)
		return fmt.Errorf("%w: %w", ErrFatal, err)
	case IsRetryable(err):
		g.logger.ErrorContext(ctx, msg,
			slog.String("document_id", id),
			slog.String("error", err.Error()),
			slog.Bool("retryable", true),
		)
		return fmt.Errorf("%w: %w", ErrTransient, err)
	default:
		g.logger.ErrorContext(ctx, MsgUnhandled,
			slog.String("document_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w: %w", ErrFatal, ErrUnhandled, err)
	}
}

// IsRetryable reports whether err is a transport fault worth one more try.
func IsRetryable(err error) bool {
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decode(rec *Record) (*document.Auction, error) {
	var doc document.Auction
	if err := json.Unmarshal(rec.Body, &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", rec.ID, err)
	}
	doc.ID = rec.ID
	doc.Revision = rec.Revision
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("validating document %s: %w", rec.ID, err)
	}
	return &doc, nil
}
