package upload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dcss-portal/internal/apperr"
)

var (
	ErrSessionNotFound  = apperr.New(apperr.NotFound, "upload session not found")
	ErrFileNotFound     = apperr.New(apperr.NotFound, "file not found")
	ErrIncompleteUpload = apperr.New(apperr.Conflict, "upload is missing parts")
	ErrFinalizing       = apperr.New(apperr.Conflict, "upload is already being finalized")
	ErrNotReady         = apperr.New(apperr.Conflict, "file upload has not completed")
	ErrUploadFailed     = apperr.New(apperr.Internal, "upload failed")
	ErrTooLarge         = apperr.New(apperr.Validation, "upload exceeds its declared size")
	ErrSizeMismatch     = apperr.New(apperr.Validation, "upload size does not match its declared size")

	// ErrObjectNotFound is returned by ObjectStore implementations for absent keys.
	ErrObjectNotFound = errors.New("object not found")
)

// maxReportedMissing caps how many missing indices an IncompleteError carries.
const maxReportedMissing = 50

// IncompleteError lists the part indices still missing when reassembly was
// due. Missing holds at most the first maxReportedMissing of them; Count is
// the full number.
type IncompleteError struct {
	Missing []int
	Count   int
}

func newIncompleteError(missing []int) *IncompleteError {
	e := &IncompleteError{Missing: missing, Count: len(missing)}
	if len(missing) > maxReportedMissing {
		e.Missing = missing[:maxReportedMissing:maxReportedMissing]
	}
	return e
}

// Total returns the number of missing parts, including unreported ones.
func (e *IncompleteError) Total() int {
	if e.Count > len(e.Missing) {
		return e.Count
	}
	return len(e.Missing)
}

func (e *IncompleteError) Error() string {
	idx := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		idx[i] = strconv.Itoa(m)
	}
	list := strings.Join(idx, ", ")
	if n := e.Total(); n > len(e.Missing) {
		return fmt.Sprintf("upload is missing %d parts: %s, ...", n, list)
	}
	return fmt.Sprintf("upload is missing parts: %s", list)
}

func (e *IncompleteError) Kind() apperr.Kind { return apperr.Conflict }

func (e *IncompleteError) Is(target error) bool { return target == ErrIncompleteUpload }

func invalid(msg string) error { return apperr.New(apperr.Validation, msg) }

func failed(err error) error { return fmt.Errorf("%w: %w", ErrUploadFailed, err) }
