package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharp-crm/Sharp-crm2-sub002/internal/domain"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"
	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
)

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "session:user:"
	expiryKey        = "session:expiry"

	// Keys outlive their record by expiryGrace so a token presented shortly
	// after expiry is reported as expired rather than unknown. DeleteExpired
	// removes them on schedule.
	expiryGrace = time.Hour

	maxWatchRetries = 5
)

// SessionRepository implements repository.SessionRepository using Redis.
//
// Layout:
//
//	session:<jti>        JSON record, expires expiryGrace after the record
//	session:user:<user>  set of the user's jtis
//	session:expiry       sorted set of "<jti>:<user>" scored by expiry (ms)
type SessionRepository struct {
	client *redis.Client
}

// NewSessionRepository creates a new Redis-backed session repository.
func NewSessionRepository(client *redis.Client) *SessionRepository {
	return &SessionRepository{client: client}
}

func sessionKey(jti string) string { return sessionKeyPrefix + jti }
func userKey(userID string) string { return userKeyPrefix + userID }
func expiryMember(jti, userID string) string { return jti + ":" + userID }

// Create persists a new record and indexes it under its user.
func (r *SessionRepository) Create(ctx context.Context, rec *domain.RefreshTokenRecord) (err error) {
	ctx, end := database.TraceCommand(ctx, "CreateSession")
	defer func() { end(err) }()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	err = r.client.SetArgs(ctx, sessionKey(rec.JTI), data, redis.SetArgs{
		Mode:     "NX",
		ExpireAt: rec.ExpiresAt.Add(expiryGrace),
	}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.AlreadyExists("session", "jti", rec.JTI)
		}
		return fmt.Errorf("redis set session: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, userKey(rec.UserID), rec.JTI)
		pipe.ZAdd(ctx, expiryKey, redis.Z{
			Score:  float64(rec.ExpiresAt.UnixMilli()),
			Member: expiryMember(rec.JTI, rec.UserID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index session: %w", err)
	}

	return nil
}

// Get returns the record without modifying it.
func (r *SessionRepository) Get(ctx context.Context, jti string) (_ *domain.RefreshTokenRecord, err error) {
	ctx, end := database.TraceCommand(ctx, "GetSession")
	defer func() { end(err) }()

	data, err := r.client.Get(ctx, sessionKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	return decodeRecord(data)
}

// Consume removes the record with GETDEL, so of several concurrent callers
// exactly one receives it. Once GETDEL succeeds the record is returned even
// if unindexing fails: the stale index entries are skipped by ListByUserID
// and removed by DeleteExpired.
func (r *SessionRepository) Consume(ctx context.Context, jti string) (_ *domain.RefreshTokenRecord, err error) {
	ctx, end := database.TraceCommand(ctx, "ConsumeSession")
	defer func() { end(err) }()

	data, err := r.client.GetDel(ctx, sessionKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("redis getdel session: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	_ = r.unindex(ctx, rec.JTI, rec.UserID)

	return rec, nil
}

// Delete removes the record if present.
func (r *SessionRepository) Delete(ctx context.Context, jti string) error {
	_, err := r.Consume(ctx, jti)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

// DeleteByUserID removes every record of the user. The index set is watched
// so a session created concurrently is either deleted or left fully indexed.
func (r *SessionRepository) DeleteByUserID(ctx context.Context, userID string) (_ int64, err error) {
	ctx, end := database.TraceCommand(ctx, "DeleteSessionsByUser")
	defer func() { end(err) }()

	key := userKey(userID)
	var deleted int64

	txf := func(tx *redis.Tx) error {
		jtis, err := tx.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}

		var dels []*redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, 0, len(jtis))
			for _, jti := range jtis {
				dels = append(dels, pipe.Del(ctx, sessionKey(jti)))
				members = append(members, expiryMember(jti, userID))
			}
			if len(members) > 0 {
				pipe.ZRem(ctx, expiryKey, members...)
			}
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}

		deleted = 0
		for _, d := range dels {
			deleted += d.Val()
		}
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("redis delete user sessions: %w", err)
	}

	return deleted, nil
}

// DeleteExpired removes every record whose expiry is at or before now.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, end := database.TraceCommand(ctx, "DeleteExpiredSessions")
	defer func() { end(err) }()

	members, err := r.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis range expired sessions: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	var removed []*redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			jti, userID, ok := strings.Cut(m, ":")
			if !ok {
				pipe.ZRem(ctx, expiryKey, m)
				continue
			}
			pipe.Del(ctx, sessionKey(jti))
			pipe.SRem(ctx, userKey(userID), jti)
			removed = append(removed, pipe.ZRem(ctx, expiryKey, m))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete expired sessions: %w", err)
	}

	var n int64
	for _, c := range removed {
		n += c.Val()
	}
	return n, nil
}

// Touch stamps last_used_at. The write never recreates a consumed record.
func (r *SessionRepository) Touch(ctx context.Context, jti string, at time.Time) (err error) {
	ctx, end := database.TraceCommand(ctx, "TouchSession")
	defer func() { end(err) }()

	data, err := r.client.Get(ctx, sessionKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.NotFound("session", jti)
		}
		return fmt.Errorf("redis get session: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	rec.LastUsedAt = &at

	data, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	err = r.client.SetArgs(ctx, sessionKey(jti), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.NotFound("session", jti)
		}
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// ListByUserID returns the user's records, newest first. Index entries whose
// record is gone are skipped.
func (r *SessionRepository) ListByUserID(ctx context.Context, userID string) (_ []domain.RefreshTokenRecord, err error) {
	ctx, end := database.TraceCommand(ctx, "ListSessionsByUser")
	defer func() { end(err) }()

	jtis, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	records := []domain.RefreshTokenRecord{}
	if len(jtis) == 0 {
		return records, nil
	}

	keys := make([]string, len(jtis))
	for i, jti := range jtis {
		keys[i] = sessionKey(jti)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget sessions: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (r *SessionRepository) unindex(ctx context.Context, jti, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, userKey(userID), jti)
		pipe.ZRem(ctx, expiryKey, expiryMember(jti, userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis unindex session: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*domain.RefreshTokenRecord, error) {
	var rec domain.RefreshTokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}
