package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Scandie/openprocurement.auction.dutch/internal/store"
)

// DocumentRepo implements store.DocumentRepository with sqlx.
type DocumentRepo struct {
	db *sqlx.DB
}

// NewDocumentRepo returns a new DocumentRepo.
func NewDocumentRepo(db *sqlx.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

type row struct {
	ID       string `db:"id"`
	Revision string `db:"revision"`
	Body     []byte `db:"body"`
}

func (r *DocumentRepo) Get(ctx context.Context, id string) (*store.Record, error) {
	var doc row
	err := r.db.GetContext(ctx, &doc, `SELECT id, revision, body FROM auction_documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", reported(err))
	}
	return &store.Record{ID: doc.ID, Revision: doc.Revision, Body: doc.Body}, nil
}

func (r *DocumentRepo) Put(ctx context.Context, rec store.Record) (string, error) {
	next := store.NextRevision(rec.Revision)

	var (
		result sql.Result
		err    error
	)
	if rec.Revision == "" {
		result, err = r.db.ExecContext(ctx,
			`INSERT INTO auction_documents (id, revision, body, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (id) DO NOTHING`,
			rec.ID, next, rec.Body,
		)
	} else {
		result, err = r.db.ExecContext(ctx,
			`UPDATE auction_documents SET revision = $1, body = $2, updated_at = now()
			 WHERE id = $3 AND revision = $4`,
			next, rec.Body, rec.ID, rec.Revision,
		)
	}
	if err != nil {
		return "", fmt.Errorf("writing document: %w", reported(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking write: %w", reported(err))
	}
	if n == 0 {
		return "", fmt.Errorf("document %s revision %q is not current: %w", rec.ID, rec.Revision, store.ErrConflict)
	}
	return next, nil
}

// reported turns errors raised by the Postgres server into
// store.ReportedError and leaves transport errors untouched.
func reported(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &store.ReportedError{Code: string(pqErr.Code), Message: pqErr.Message}
	}
	return err
}
