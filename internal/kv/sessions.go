// sessions.go - Upload sessions in Redis.
//
// Each session is a hash at upload:session:<id> with a companion hash of
// index -> size at upload:session:<id>:parts. Mutations that depend on the
// current state run as Lua scripts so they are atomic on the server.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dcss-portal/internal/upload"
)

const defaultSessionTTL = 24 * time.Hour

// setTotalScript records the part count once and returns the stored value.
var setTotalScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
if cur == 0 then
  redis.call('HSET', KEYS[1], 'total', ARGV[1])
  return tonumber(ARGV[1])
end
return cur
`)

// addPartScript records a part only while the session exists and only if
// the parts, with this one replacing any earlier copy of its index, still
// fit the declared size. Returns 0 when the session is gone, -1 when the
// part does not fit.
var addPartScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local limit = tonumber(redis.call('HGET', KEYS[1], 'declared_size') or '0')
if limit > 0 then
  local sum = tonumber(ARGV[2])
  local parts = redis.call('HGETALL', KEYS[2])
  for i = 1, #parts, 2 do
    if parts[i] ~= ARGV[1] then sum = sum + tonumber(parts[i + 1]) end
  end
  if sum > limit then return -1 end
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)

// transitionScript moves state from ARGV[1] to ARGV[2].
// Returns -1 when the session is gone, 0 when the state did not match.
var transitionScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'state')
if not s then return -1 end
if s ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[2])
return 1
`)

// SessionStore implements upload.SessionStore.
type SessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewSessionStore keeps sessions for ttl after creation; zero means 24h.
func NewSessionStore(rdb redis.UniversalClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string { return "upload:session:" + id }
func partsKey(id string) string   { return "upload:session:" + id + ":parts" }

func (s *SessionStore) Create(ctx context.Context, sess *upload.Session) error {
	key := sessionKey(sess.ID)
	fields := map[string]any{
		"file_id":       sess.FileID,
		"content_key":   sess.ContentKey,
		"owner":         sess.Owner,
		"content_type":  sess.ContentType,
		"declared_size": sess.DeclaredSize,
		"total":         sess.TotalParts,
		"state":         string(sess.State),
		"created_at":    sess.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*upload.Session, error) {
	var (
		fieldsCmd *redis.MapStringStringCmd
		partsCmd  *redis.MapStringStringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		fieldsCmd = p.HGetAll(ctx, sessionKey(id))
		partsCmd = p.HGetAll(ctx, partsKey(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(id, fieldsCmd.Val(), partsCmd.Val())
}

func (s *SessionStore) SetTotal(ctx context.Context, id string, total int) (int, error) {
	n, err := setTotalScript.Run(ctx, s.rdb, []string{sessionKey(id)}, total).Int()
	if err != nil {
		return 0, fmt.Errorf("set total: %w", err)
	}
	if n < 0 {
		return 0, upload.ErrSessionNotFound
	}
	return n, nil
}

func (s *SessionStore) AddPart(ctx context.Context, id string, index int, size int64) (*upload.Session, error) {
	ok, err := addPartScript.Run(ctx, s.rdb, []string{sessionKey(id), partsKey(id)},
		index, size, s.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("add part: %w", err)
	}
	switch ok {
	case 0:
		return nil, upload.ErrSessionNotFound
	case -1:
		return nil, upload.ErrTooLarge
	}
	return s.Get(ctx, id)
}

// Claim wins only for the caller that moves receiving -> finalizing.
func (s *SessionStore) Claim(ctx context.Context, id string) (bool, error) {
	n, err := s.transition(ctx, id, upload.StateReceiving, upload.StateFinalizing)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release is a no-op unless the session is finalizing.
func (s *SessionStore) Release(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, upload.StateFinalizing, upload.StateReceiving)
	return err
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, sessionKey(id), partsKey(id)).Err()
}

func (s *SessionStore) transition(ctx context.Context, id string, from, to upload.State) (int, error) {
	if !from.CanTransition(to) {
		return 0, fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	n, err := transitionScript.Run(ctx, s.rdb, []string{sessionKey(id)}, string(from), string(to)).Int()
	if err != nil {
		return 0, fmt.Errorf("session transition: %w", err)
	}
	if n < 0 {
		return 0, upload.ErrSessionNotFound
	}
	return n, nil
}

func decodeSession(id string, fields, parts map[string]string) (*upload.Session, error) {
	if len(fields) == 0 {
		return nil, upload.ErrSessionNotFound
	}

	state, err := upload.ParseState(fields["state"])
	if err != nil {
		return nil, err
	}
	total, err := strconv.Atoi(fields["total"])
	if err != nil {
		return nil, fmt.Errorf("session %s: bad total: %w", id, err)
	}
	var declared int64
	if v, ok := fields["declared_size"]; ok {
		if declared, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("session %s: bad declared_size: %w", id, err)
		}
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("session %s: bad created_at: %w", id, err)
	}

	sess := &upload.Session{
		ID:           id,
		FileID:       fields["file_id"],
		ContentKey:   fields["content_key"],
		Owner:        fields["owner"],
		ContentType:  fields["content_type"],
		DeclaredSize: declared,
		TotalParts:   total,
		Parts:        make(map[int]int64, len(parts)),
		State:        state,
		CreatedAt:    created,
	}
	for k, v := range parts {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad part index %q", id, k)
		}
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad part size %q", id, v)
		}
		sess.Parts[idx] = size
	}
	return sess, nil
}

