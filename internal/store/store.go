package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Error kinds reported by the Gateway. Every error it returns matches
// exactly one of ErrNotFound, ErrConflict, ErrTransient or ErrFatal.
var (
	ErrNotFound  = errors.New("document not found")
	ErrConflict  = errors.New("document revision conflict")
	ErrTransient = errors.New("transient store error")
	ErrFatal     = errors.New("fatal store error")
	// ErrUnhandled additionally marks fatal errors that matched no known class.
	ErrUnhandled = errors.New("unhandled store error")
)

// ReportedError is a failure reported by the store itself, as opposed to a
// transport fault on the way to it.
type ReportedError struct {
	Code    string
	Message string
}

func (e *ReportedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// Record is a raw stored document.
type Record struct {
	ID       string
	Revision string
	Body     []byte
}

// DocumentRepository is implemented by store drivers.
type DocumentRepository interface {
	// Get returns the record stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Put stores rec if the stored revision equals rec.Revision (empty for
	// a document that must not exist yet). It returns the new revision, or
	// ErrConflict when the stored revision differs.
	Put(ctx context.Context, rec Record) (string, error)
}

// NextRevision returns the revision that follows prev, in the
// "<generation>-<32 hex>" form.
func NextRevision(prev string) string {
	gen := 0
	if head, _, ok := strings.Cut(prev, "-"); ok {
		gen, _ = strconv.Atoi(head)
	}
	return fmt.Sprintf("%d-%s", gen+1, strings.ReplaceAll(uuid.NewString(), "-", ""))
}
