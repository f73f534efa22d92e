// Package redisstore persists the bid ledger in Redis lists.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/ledger"
)

// appendScript pushes a bid only when it carries the next sequence number of
// its item. It runs atomically on the Redis server.
//
// KEYS[1]: {prefix}:bids:{session}:{item} with query-escaped ids (JSON encoded
// bids, oldest first)
// ARGV[1]: expected sequence number
// ARGV[2]: JSON encoded bid
var appendScript = redis.NewScript(`
	local length = redis.call('LLEN', KEYS[1])
	local expected = tonumber(ARGV[1])

	if length + 1 == expected then
		redis.call('RPUSH', KEYS[1], ARGV[2])
		return {1, length + 1}
	else
		return {0, length}
	end
`)

// Store implements ledger.Persister on Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to Redis and verifies the connection.
func Open(addr, password string, db int, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "liveauction"
	}
	return &Store{client: rdb, prefix: prefix}, nil
}

// listKey escapes both ids so a ':' inside one cannot shift the boundary.
func (s *Store) listKey(key core.ItemKey) string {
	return fmt.Sprintf("%s:bids:%s:%s", s.prefix, url.QueryEscape(key.SessionID), url.QueryEscape(key.ItemID))
}

// AppendBid atomically appends bid if its Seq is the next of its item.
func (s *Store) AppendBid(ctx context.Context, bid core.Bid) error {
	payload, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("failed to marshal bid: %w", err)
	}

	result, err := appendScript.Run(ctx, s.client, []string{s.listKey(bid.Key())}, bid.Seq, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to execute append script: %w", err)
	}

	// Result is [success_flag, length]
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 2 {
		return fmt.Errorf("unexpected script result format")
	}
	success, ok := resultArray[0].(int64)
	if !ok {
		return fmt.Errorf("unexpected script result format")
	}
	if success != 1 {
		return ledger.ErrConflict
	}
	return nil
}

// LoadBids returns the stored history of key ordered by sequence.
func (s *Store) LoadBids(ctx context.Context, key core.ItemKey) ([]core.Bid, error) {
	raw, err := s.client.LRange(ctx, s.listKey(key), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to load bids: %w", err)
	}

	bids := make([]core.Bid, 0, len(raw))
	for i, entry := range raw {
		var bid core.Bid
		if err := json.Unmarshal([]byte(entry), &bid); err != nil {
			return nil, fmt.Errorf("failed to decode bid %d of %s: %w", i+1, key, err)
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ ledger.Persister = (*Store)(nil)
