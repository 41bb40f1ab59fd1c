// README: Matching store backed by Redis; remembers when and to whom an order was dispatched.
package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(redis *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	return &Store{redis: redis, ttl: ttl}
}

// RecordDispatch records the dispatch timestamp and the set of notified drivers for an order.
func (s *Store) RecordDispatch(ctx context.Context, orderNumber string, driverIDs []string, at time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.SetNX(ctx, dispatchedAtKey(orderNumber), at.UTC().Format(time.RFC3339Nano), s.ttl)
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, d := range driverIDs {
			members[i] = d
		}
		notifiedKey := notifiedKey(orderNumber)
		pipe.SAdd(ctx, notifiedKey, members...)
		pipe.Expire(ctx, notifiedKey, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetDispatch returns the dispatch record for an order, and whether one exists.
func (s *Store) GetDispatch(ctx context.Context, orderNumber string) (DispatchRecord, bool, error) {
	val, err := s.redis.Get(ctx, dispatchedAtKey(orderNumber)).Result()
	if err == redis.Nil {
		return DispatchRecord{}, false, nil
	}
	if err != nil {
		return DispatchRecord{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return DispatchRecord{}, false, err
	}
	notified, err := s.redis.SMembers(ctx, notifiedKey(orderNumber)).Result()
	if err != nil && err != redis.Nil {
		return DispatchRecord{}, false, err
	}
	sort.Strings(notified)
	return DispatchRecord{OrderNumber: orderNumber, DispatchedAt: at, Notified: notified}, true, nil
}

func dispatchedAtKey(orderNumber string) string {
	return fmt.Sprintf(dispatchKeyPrefix, orderNumber)
}

func notifiedKey(orderNumber string) string {
	return fmt.Sprintf(notifiedKeyPrefix, orderNumber)
}
