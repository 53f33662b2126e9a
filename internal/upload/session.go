package upload

import (
	"fmt"
	"sort"
	"time"
)

// State is the lifecycle of an upload session. Sessions are deleted once
// their file is complete, so there is no terminal state to store.
type State string

const (
	StateReceiving  State = "receiving"
	StateFinalizing State = "finalizing"
)

// ParseState validates a stored state value.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateReceiving, StateFinalizing:
		return st, nil
	default:
		return "", fmt.Errorf("unknown upload session state %q", s)
	}
}

// CanTransition reports whether s may move to next. A finalizing session
// returns to receiving when reassembly fails so the client can retry.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateReceiving:
		return next == StateFinalizing
	case StateFinalizing:
		return next == StateReceiving
	}
	return false
}

// MaxParts bounds the part count a client may announce.
const MaxParts = 10000

// Session tracks the parts received for one file. DeclaredSize is the size
// announced at BeginUpload; the received parts may never sum past it.
type Session struct {
	ID           string
	FileID       string
	ContentKey   string
	Owner        string
	ContentType  string
	DeclaredSize int64
	TotalParts   int
	Parts        map[int]int64
	State        State
	CreatedAt    time.Time
}

// HasPart reports whether index has been received.
func (s *Session) HasPart(index int) bool {
	_, ok := s.Parts[index]
	return ok
}

// Bytes returns the summed size of the received parts.
func (s *Session) Bytes() int64 {
	var n int64
	for _, size := range s.Parts {
		n += size
	}
	return n
}

// BytesWith returns what Bytes would be after storing size at index.
func (s *Session) BytesWith(index int, size int64) int64 {
	return s.Bytes() - s.Parts[index] + size
}

// Missing returns the absent indices in [0, TotalParts) in ascending order.
func (s *Session) Missing() []int {
	var missing []int
	for i := 0; i < s.TotalParts; i++ {
		if !s.HasPart(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Received returns the received indices in ascending order.
func (s *Session) Received() []int {
	idx := make([]int, 0, len(s.Parts))
	for i := range s.Parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// PartKey is the object key a non-final part is staged under.
func PartKey(contentKey string, index int) string {
	return fmt.Sprintf("%s-part-%d", contentKey, index)
}
