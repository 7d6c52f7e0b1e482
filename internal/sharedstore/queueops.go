package sharedstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ListPushTail appends value to the tail of a FIFO list (queue:{channel_id}).
func (s *Store) ListPushTail(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.RPush(ctx, key, value).Err()
	})
}

// ListPushHead prepends value to the head of a FIFO list — used by
// PriorityAdd's front-of-role insertion under FIFO discipline.
func (s *Store) ListPushHead(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.LPush(ctx, key, value).Err()
	})
}

// ListPopHead atomically pops and returns the head of a FIFO list.
func (s *Store) ListPopHead(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.LPop(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, ok = v, true
		return nil
	})
	return val, ok, err
}

// ListPeekHead returns the head of a FIFO list without removing it.
func (s *Store) ListPeekHead(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		vs, err := s.client.LRange(ctx, key, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(vs) > 0 {
			val, ok = vs[0], true
		}
		return nil
	})
	return val, ok, err
}

// ListLen returns the number of items in a FIFO list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ListAll returns every item in a FIFO list, head to tail.
func (s *Store) ListAll(ctx context.Context, key string) ([]string, error) {
	var items []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		items = v
		return nil
	})
	return items, err
}

// ListRemove removes the first occurrence of value from the list.
func (s *Store) ListRemove(ctx context.Context, key, value string) (bool, error) {
	var removed bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		n, err := s.client.LRem(ctx, key, 1, value).Result()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// listMoveScript atomically relocates an item within a list to a new
// zero-based index: it removes the item wherever it currently sits and
// re-inserts it at the requested position, clamping to the list bounds.
// This is the "server-side script for multi-step" mutation spec §4.3/§9 calls for.
var listMoveScript = redis.NewScript(`
local key = KEYS[1]
local value = ARGV[1]
local newIndex = tonumber(ARGV[2])

local items = redis.call('LRANGE', key, 0, -1)
local found = false
local out = {}
for i, v in ipairs(items) do
  if v == value and not found then
    found = true
  else
    table.insert(out, v)
  end
end
if not found then
  return 0
end
if newIndex < 0 then newIndex = 0 end
if newIndex > #out then newIndex = #out end
table.insert(out, newIndex + 1, value)

redis.call('DEL', key)
if #out > 0 then
  redis.call('RPUSH', key, unpack(out))
end
return 1
`)

// ListMove relocates value to newIndex within the list atomically.
func (s *Store) ListMove(ctx context.Context, key, value string, newIndex int) (bool, error) {
	var moved bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := listMoveScript.Run(ctx, s.client, []string{key}, value, newIndex).Result()
		if err != nil {
			return err
		}
		n, _ := res.(int64)
		moved = n == 1
		return nil
	})
	return moved, err
}

// --- priority discipline: Redis sorted set, lower score plays first ---

// ZAdd adds/updates member with the given score in a sorted set (queue:{channel_id}).
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	var removed bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		n, err := s.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// ZPopMin atomically pops the member with the lowest score.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		zs, err := s.client.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return err
		}
		if len(zs) == 0 {
			return nil
		}
		member, isStr := zs[0].Member.(string)
		if !isStr {
			return fmt.Errorf("sharedstore: unexpected zset member type %T", zs[0].Member)
		}
		val, ok = member, true
		return nil
	})
	return val, ok, err
}

// ZPeekMin returns the lowest-score member without removing it.
func (s *Store) ZPeekMin(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(zs) == 0 {
			return nil
		}
		member, isStr := zs[0].Member.(string)
		if !isStr {
			return fmt.Errorf("sharedstore: unexpected zset member type %T", zs[0].Member)
		}
		val, ok = member, true
		return nil
	})
	return val, ok, err
}

// ZCard returns the number of members in a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// ZAllWithScores returns every member of a sorted set in ascending score order.
func (s *Store) ZAllWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	var zs []redis.Z
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		zs = v
		return nil
	})
	return zs, err
}

// Delete all keys at once (used by Migrate to clear the source shape).
func (s *Store) DeleteAll(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
}
