// coordinator.go - Chunked upload coordination.
//
// A client announces a file, then sends it as one or more indexed parts.
// Parts of a multi-part upload are staged under "<contentKey>-part-<n>" and
// merged in index order once every index including the final one is present.
// Finalization is claimed through the session store so concurrent deliveries
// of the last part cannot reassemble twice.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"dcss-portal/internal/logging"
)

// ObjectStore holds final and staged upload content.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MetadataStore persists File rows. MarkComplete only moves pending rows.
type MetadataStore interface {
	CreateFile(ctx context.Context, f *File) error
	DeleteFile(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string, size int64, checksum string) error
	GetFile(ctx context.Context, owner, id string) (*File, error)
	ListFiles(ctx context.Context, owner string) ([]File, error)
}

// SessionStore keeps upload-session bookkeeping.
//
// SetTotal records the part count if none is set and returns the stored one.
// AddPart is idempotent per index and returns the updated session. It fails
// with ErrTooLarge, recording nothing, when the parts would sum past the
// session's DeclaredSize.
// Claim atomically moves receiving -> finalizing and reports whether this
// caller won; Release moves it back.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	SetTotal(ctx context.Context, id string, total int) (int, error)
	AddPart(ctx context.Context, id string, index int, size int64) (*Session, error)
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Config bounds upload sizes. Zero means unlimited.
type Config struct {
	MaxPartBytes int64
	MaxFileBytes int64
}

// Begun identifies a newly announced upload.
type Begun struct {
	FileID     string
	ContentKey string
	SessionID  string
}

// PartResult acknowledges a received part.
type PartResult struct {
	FileID   string
	Accepted bool
	Complete bool
	Received int
	Total    int
	// Size is the final object size, set once Complete.
	Size int64
}

// Coordinator runs the upload protocol over the three stores.
type Coordinator struct {
	objects  ObjectStore
	meta     MetadataStore
	sessions SessionStore
	cfg      Config
	now      func() time.Time
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(objects ObjectStore, meta MetadataStore, sessions SessionStore, cfg Config) *Coordinator {
	return &Coordinator{
		objects:  objects,
		meta:     meta,
		sessions: sessions,
		cfg:      cfg,
		now:      time.Now,
	}
}

// BeginUpload records pending metadata and opens a session for it.
func (c *Coordinator) BeginUpload(ctx context.Context, owner, name, contentType string, size int64) (Begun, error) {
	if owner == "" {
		return Begun{}, invalid("owner is required")
	}
	name = sanitizeName(name)
	if name == "" {
		return Begun{}, invalid("file name is required")
	}
	ct, err := normalizeContentType(name, contentType)
	if err != nil {
		return Begun{}, err
	}
	if size <= 0 {
		return Begun{}, invalid("file size must be positive")
	}
	if c.cfg.MaxFileBytes > 0 && size > c.cfg.MaxFileBytes {
		return Begun{}, invalid(fmt.Sprintf("file exceeds %d bytes", c.cfg.MaxFileBytes))
	}

	now := c.now().UTC()
	fileID := uuid.NewString()
	key := fmt.Sprintf("uploads/%s/%d-%s%s", owner, now.Unix(), fileID, extension(name))

	file := &File{
		ID:           fileID,
		ContentKey:   key,
		Owner:        owner,
		Name:         name,
		ContentType:  ct,
		DeclaredSize: size,
		Status:       FilePending,
		CreatedAt:    now,
	}
	if err := c.meta.CreateFile(ctx, file); err != nil {
		return Begun{}, fmt.Errorf("create file record: %w", err)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		FileID:       fileID,
		ContentKey:   key,
		Owner:        owner,
		ContentType:  ct,
		DeclaredSize: size,
		Parts:        map[int]int64{},
		State:        StateReceiving,
		CreatedAt:    now,
	}
	if err := c.sessions.Create(ctx, sess); err != nil {
		if derr := c.meta.DeleteFile(ctx, fileID); derr != nil {
			logging.Error("upload_begin_cleanup_failed", map[string]any{"file_id": fileID}, derr)
		}
		return Begun{}, fmt.Errorf("create upload session: %w", err)
	}

	logging.Info("upload_begun", map[string]any{"file_id": fileID, "session_id": sess.ID, "owner": owner, "size": size})
	return Begun{FileID: fileID, ContentKey: key, SessionID: sess.ID}, nil
}

// ReceivePart stores one part. The upload completes when the final index has
// arrived and no index is missing; until then parts are acknowledged with
// Complete=false. If the final part itself arrives while gaps remain, it is
// kept and an *IncompleteError names the gaps.
//
// Parts are never empty, so total may not exceed the declared size, nor
// MaxParts. The received parts may not sum past the declared size, and a
// complete upload must match it exactly.
func (c *Coordinator) ReceivePart(ctx context.Context, owner, sessionID string, index, total int, data []byte) (PartResult, error) {
	if total < 1 {
		return PartResult{}, invalid("total parts must be at least 1")
	}
	if total > MaxParts {
		return PartResult{}, invalid(fmt.Sprintf("total parts exceeds %d", MaxParts))
	}
	if index < 0 || index >= total {
		return PartResult{}, invalid(fmt.Sprintf("part index %d out of range [0, %d)", index, total))
	}
	if len(data) == 0 {
		return PartResult{}, invalid("part is empty")
	}
	if c.cfg.MaxPartBytes > 0 && int64(len(data)) > c.cfg.MaxPartBytes {
		return PartResult{}, invalid(fmt.Sprintf("part exceeds %d bytes", c.cfg.MaxPartBytes))
	}

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return PartResult{}, err
	}
	if sess.Owner != owner {
		return PartResult{}, ErrSessionNotFound
	}
	if sess.State != StateReceiving {
		return PartResult{}, ErrFinalizing
	}
	limit := c.sizeLimit(sess)
	if limit > 0 && int64(total) > limit {
		return PartResult{}, invalid(fmt.Sprintf("total parts exceeds the upload size of %d bytes", limit))
	}
	if limit > 0 && sess.BytesWith(index, int64(len(data))) > limit {
		return PartResult{}, ErrTooLarge
	}

	stored, err := c.sessions.SetTotal(ctx, sessionID, total)
	if err != nil {
		return PartResult{}, fmt.Errorf("record total parts: %w", err)
	}
	if stored != total {
		return PartResult{}, invalid(fmt.Sprintf("total parts changed from %d to %d", stored, total))
	}
	sess.TotalParts = total

	if total == 1 {
		return c.receiveWhole(ctx, sess, data)
	}

	size := int64(len(data))
	partKey := PartKey(sess.ContentKey, index)
	if err := c.objects.Put(ctx, partKey, bytes.NewReader(data), size, defaultContentType); err != nil {
		logging.Error("upload_part_store_failed", map[string]any{"session_id": sessionID, "index": index}, err)
		return PartResult{}, failed(err)
	}

	sess, err = c.sessions.AddPart(ctx, sessionID, index, size)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			// A concurrent part won the remaining budget; this object may
			// have replaced an accepted one, so it cannot be kept.
			if derr := c.objects.Delete(ctx, partKey); derr != nil {
				logging.Error("upload_part_cleanup_failed", map[string]any{"session_id": sessionID, "index": index}, derr)
			}
			return PartResult{}, err
		}
		return PartResult{}, fmt.Errorf("record part: %w", err)
	}

	res := PartResult{FileID: sess.FileID, Accepted: true, Received: len(sess.Parts), Total: total}
	if !sess.HasPart(total - 1) {
		return res, nil
	}
	if missing := sess.Missing(); len(missing) > 0 {
		if index == total-1 {
			return PartResult{}, newIncompleteError(missing)
		}
		return res, nil
	}
	if sess.DeclaredSize > 0 && sess.Bytes() != sess.DeclaredSize {
		return PartResult{}, ErrSizeMismatch
	}
	return c.reassemble(ctx, sess)
}

// sizeLimit is the most content sess may hold, or 0 for no limit.
func (c *Coordinator) sizeLimit(sess *Session) int64 {
	limit := sess.DeclaredSize
	if m := c.cfg.MaxFileBytes; m > 0 && (limit <= 0 || m < limit) {
		limit = m
	}
	return limit
}

func (c *Coordinator) receiveWhole(ctx context.Context, sess *Session, data []byte) (PartResult, error) {
	if sess.DeclaredSize > 0 && int64(len(data)) != sess.DeclaredSize {
		return PartResult{}, ErrSizeMismatch
	}
	if err := c.claim(ctx, sess.ID); err != nil {
		return PartResult{}, err
	}

	if err := c.objects.Put(ctx, sess.ContentKey, bytes.NewReader(data), int64(len(data)), sess.ContentType); err != nil {
		c.release(ctx, sess.ID)
		logging.Error("upload_store_failed", map[string]any{"session_id": sess.ID}, err)
		return PartResult{}, failed(err)
	}
	if err := c.complete(ctx, sess, data); err != nil {
		return PartResult{}, err
	}
	return PartResult{FileID: sess.FileID, Accepted: true, Complete: true, Received: 1, Total: 1, Size: int64(len(data))}, nil
}

func (c *Coordinator) reassemble(ctx context.Context, sess *Session) (PartResult, error) {
	if err := c.claim(ctx, sess.ID); err != nil {
		return PartResult{}, err
	}

	limit := c.sizeLimit(sess)
	var buf bytes.Buffer
	if sess.DeclaredSize > 0 {
		buf.Grow(int(sess.DeclaredSize))
	}
	for i := 0; i < sess.TotalParts; i++ {
		if err := c.appendObject(ctx, &buf, PartKey(sess.ContentKey, i), limit); err != nil {
			c.release(ctx, sess.ID)
			if errors.Is(err, ErrObjectNotFound) {
				return PartResult{}, newIncompleteError([]int{i})
			}
			logging.Error("upload_part_read_failed", map[string]any{"session_id": sess.ID, "index": i}, err)
			return PartResult{}, failed(err)
		}
	}
	if sess.DeclaredSize > 0 && int64(buf.Len()) != sess.DeclaredSize {
		c.release(ctx, sess.ID)
		logging.Warn("upload_size_mismatch", map[string]any{"session_id": sess.ID, "declared": sess.DeclaredSize, "assembled": buf.Len()})
		return PartResult{}, ErrSizeMismatch
	}

	data := buf.Bytes()
	if err := c.objects.Put(ctx, sess.ContentKey, bytes.NewReader(data), int64(len(data)), sess.ContentType); err != nil {
		c.release(ctx, sess.ID)
		logging.Error("upload_store_failed", map[string]any{"session_id": sess.ID}, err)
		return PartResult{}, failed(err)
	}
	if err := c.complete(ctx, sess, data); err != nil {
		return PartResult{}, err
	}

	// Staged parts are only dropped once the metadata says complete, so a
	// failed completion can be retried by resending the final part.
	for i := 0; i < sess.TotalParts; i++ {
		if err := c.objects.Delete(ctx, PartKey(sess.ContentKey, i)); err != nil {
			logging.Warn("upload_part_cleanup_failed", map[string]any{"session_id": sess.ID, "index": i, "error": err.Error()})
		}
	}

	return PartResult{FileID: sess.FileID, Accepted: true, Complete: true, Received: sess.TotalParts, Total: sess.TotalParts, Size: int64(len(data))}, nil
}

// complete flips the metadata and closes the session. If the metadata update
// fails the final object is removed again.
func (c *Coordinator) complete(ctx context.Context, sess *Session, data []byte) error {
	sum := sha256.Sum256(data)
	if err := c.meta.MarkComplete(ctx, sess.FileID, int64(len(data)), hex.EncodeToString(sum[:])); err != nil {
		if derr := c.objects.Delete(ctx, sess.ContentKey); derr != nil {
			logging.Error("upload_orphan_cleanup_failed", map[string]any{"file_id": sess.FileID, "key": sess.ContentKey}, derr)
		}
		c.release(ctx, sess.ID)
		logging.Error("upload_complete_failed", map[string]any{"file_id": sess.FileID}, err)
		return failed(err)
	}

	if err := c.sessions.Delete(ctx, sess.ID); err != nil {
		logging.Warn("upload_session_cleanup_failed", map[string]any{"session_id": sess.ID, "error": err.Error()})
	}
	logging.Info("upload_complete", map[string]any{"file_id": sess.FileID, "size": len(data), "parts": sess.TotalParts})
	return nil
}

func (c *Coordinator) claim(ctx context.Context, sessionID string) error {
	ok, err := c.sessions.Claim(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("claim finalization: %w", err)
	}
	if !ok {
		return ErrFinalizing
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, sessionID string) {
	if err := c.sessions.Release(ctx, sessionID); err != nil {
		logging.Error("upload_release_failed", map[string]any{"session_id": sessionID}, err)
	}
}

// appendObject copies key onto buf, reading at most one byte past limit so
// an oversized part shows up as a size mismatch without unbounded reads.
func (c *Coordinator) appendObject(ctx context.Context, buf *bytes.Buffer, key string, limit int64) error {
	rc, err := c.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	var r io.Reader = rc
	if limit > 0 {
		remaining := limit + 1 - int64(buf.Len())
		if remaining <= 0 {
			return nil
		}
		r = io.LimitReader(rc, remaining)
	}
	_, err = io.Copy(buf, r)
	return err
}

// Open returns a complete file owned by owner together with its content.
func (c *Coordinator) Open(ctx context.Context, owner, fileID string) (*File, io.ReadCloser, error) {
	f, err := c.meta.GetFile(ctx, owner, fileID)
	if err != nil {
		return nil, nil, err
	}
	if f.Status != FileComplete {
		return nil, nil, ErrNotReady
	}
	rc, err := c.objects.Get(ctx, f.ContentKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	return f, rc, nil
}

// List returns owner's files, newest first.
func (c *Coordinator) List(ctx context.Context, owner string) ([]File, error) {
	return c.meta.ListFiles(ctx, owner)
}
