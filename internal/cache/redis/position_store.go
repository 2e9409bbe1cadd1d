package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

const (
	openPositionsKey   = "positions:open"
	closedPositionsKey = "positions:closed"
)

// PositionStore implements domain.PositionRepository. Each record is a JSON
// string at "position:{signal_id}"; a set indexes non-CLOSED records and a
// sorted set scored by close time indexes CLOSED ones.
type PositionStore struct {
	rdb *redis.Client
}

// NewPositionStore creates a PositionStore backed by the given Client.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{rdb: c.Underlying()}
}

func positionKey(signalID string) string {
	return "position:" + signalID
}

// Get returns the record for signalID or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, signalID string) (domain.PositionRecord, error) {
	raw, err := s.rdb.Get(ctx, positionKey(signalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PositionRecord{}, fmt.Errorf("redis: get position %s: %w", signalID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("redis: get position %s: %w", signalID, err)
	}
	var rec domain.PositionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PositionRecord{}, fmt.Errorf("redis: decode position %s: %w", signalID, err)
	}
	return rec, nil
}

// putRetries bounds the optimistic transaction when another writer touches
// the same record between WATCH and EXEC.
const putRetries = 3

// Put writes the full record and moves it between the open and closed
// indexes in one transaction. A stored CLOSED record, or one updated later
// than rec, is left as it is.
func (s *PositionStore) Put(ctx context.Context, rec domain.PositionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode position %s: %w", rec.SignalID, err)
	}
	key := positionKey(rec.SignalID)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored domain.PositionRecord
			if err := json.Unmarshal(cur, &stored); err != nil {
				return fmt.Errorf("decode stored: %w", err)
			}
			if stored.Closed() || stored.UpdatedAt.After(rec.UpdatedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			if rec.Closed() {
				pipe.SRem(ctx, openPositionsKey, rec.SignalID)
				score := float64(rec.UpdatedAt.Unix())
				if rec.ClosedAt != nil {
					score = float64(rec.ClosedAt.Unix())
				}
				pipe.ZAdd(ctx, closedPositionsKey, redis.Z{Score: score, Member: rec.SignalID})
			} else {
				pipe.SAdd(ctx, openPositionsKey, rec.SignalID)
			}
			return nil
		})
		return err
	}

	for range putRetries {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis: put position %s: %w", rec.SignalID, err)
	}
	return nil
}

// ListNonTerminal returns every record in the open index.
func (s *PositionStore) ListNonTerminal(ctx context.Context) ([]domain.PositionRecord, error) {
	ids, err := s.rdb.SMembers(ctx, openPositionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list open positions: %w", err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if !rec.Closed() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListClosed returns CLOSED records ordered by close time.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: int64(opts.Offset), Count: int64(opts.Limit)}
	if opts.Since != nil {
		rng.Min = strconv.FormatInt(opts.Since.Unix(), 10)
	}
	if opts.Until != nil {
		rng.Max = "(" + strconv.FormatInt(opts.Until.Unix(), 10)
	}
	if opts.Limit <= 0 {
		rng.Count = -1
	}
	ids, err := s.rdb.ZRangeByScore(ctx, closedPositionsKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list closed positions: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *PositionStore) load(ctx context.Context, ids []string) ([]domain.PositionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = positionKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load positions: %w", err)
	}
	out := make([]domain.PositionRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.PositionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode position %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ domain.PositionRepository   = (*PositionStore)(nil)
	_ domain.ClosedPositionLister = (*PositionStore)(nil)
)
