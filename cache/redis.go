package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache stores named caches in Redis.
//
// Every entry is a hash, the insertion order of a named cache is a sorted set
// scored by sequence number, and a set tracks the names in use.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache returns a RedisCache using the given client.
// All keys are prefixed with prefix, which defaults to "strategy-cache:".
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "strategy-cache:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) entryKey(name, key string) string {
	return c.prefix + "entry:" + name + "\x00" + key
}

func (c *RedisCache) orderKey(name string) string {
	return c.prefix + "order:" + name
}

func (c *RedisCache) namesKey() string {
	return c.prefix + "names"
}

func (c *RedisCache) seqKey() string {
	return c.prefix + "seq"
}

func (c *RedisCache) Get(ctx context.Context, name, key string) (CacheEntry, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.entryKey(name, key)).Result()
	if err != nil {
		return CacheEntry{}, false, err
	}
	if len(fields) == 0 {
		return CacheEntry{}, false, nil
	}
	entry, err := parseEntry(name, key, fields["seq"], fields["inserted"], fields["size"])
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.Bytes = []byte(fields["bytes"])
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, ce CacheEntry) error {
	seq, err := c.client.Incr(ctx, c.seqKey()).Uint64()
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.entryKey(ce.Name, ce.Key),
			"seq", seq,
			"inserted", ce.InsertedAt.UnixNano(),
			"size", len(ce.Bytes),
			"bytes", ce.Bytes,
		)
		pipe.ZAdd(ctx, c.orderKey(ce.Name), redis.Z{Score: float64(seq), Member: ce.Key})
		pipe.SAdd(ctx, c.namesKey(), ce.Name)
		return nil
	})
	return err
}

// removeScript deletes an entry and its place in the insertion order, and
// drops the cache name once nothing is left in it, all in one step.
// If ARGV[2] is not empty the entry is only deleted if its sequence number matches.
var removeScript = redis.NewScript(`
if ARGV[2] ~= "" and redis.call("HGET", KEYS[1], "seq") ~= ARGV[2] then
	return 0
end
local n = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("ZCARD", KEYS[2]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[3])
end
return n
`)

func (c *RedisCache) remove(ctx context.Context, name, key, seq string) (bool, error) {
	keys := []string{c.entryKey(name, key), c.orderKey(name), c.namesKey()}
	n, err := removeScript.Run(ctx, c.client, keys, key, seq, name).Int64()
	return n > 0, err
}

func (c *RedisCache) Delete(ctx context.Context, name, key string) error {
	_, err := c.remove(ctx, name, key, "")
	return err
}

func (c *RedisCache) Evict(ctx context.Context, name, key string, seq uint64) (bool, error) {
	return c.remove(ctx, name, key, strconv.FormatUint(seq, 10))
}

func (c *RedisCache) Entries(ctx context.Context, name string) ([]CacheEntry, error) {
	keys, err := c.client.ZRange(ctx, c.orderKey(name), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, c.entryKey(name, key), "seq", "inserted", "size")
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	entries := make([]CacheEntry, 0, len(keys))
	for i, key := range keys {
		vals := cmds[i].Val()
		// order set and entry hash are written together, but be lenient with leftovers
		if len(vals) != 3 || vals[0] == nil {
			continue
		}
		seq, _ := vals[0].(string)
		inserted, _ := vals[1].(string)
		size, _ := vals[2].(string)
		entry, err := parseEntry(name, key, seq, inserted, size)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	SortEntries(entries)
	return entries, nil
}

func (c *RedisCache) Names(ctx context.Context) ([]string, error) {
	names, err := c.client.SMembers(ctx, c.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (c *RedisCache) Clear(ctx context.Context, name string) error {
	keys, err := c.client.ZRange(ctx, c.orderKey(name), 0, -1).Result()
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, c.entryKey(name, key))
		}
		pipe.Del(ctx, c.orderKey(name))
		pipe.SRem(ctx, c.namesKey(), name)
		return nil
	})
	return err
}

func parseEntry(name, key, seq, inserted, size string) (CacheEntry, error) {
	entry := CacheEntry{Name: name, Key: key}
	var err error
	if entry.Seq, err = strconv.ParseUint(seq, 10, 64); err != nil {
		return entry, fmt.Errorf("malformed sequence for %s: %w", key, err)
	}
	insertedAt, err := strconv.ParseInt(inserted, 10, 64)
	if err != nil {
		return entry, fmt.Errorf("malformed insertion time for %s: %w", key, err)
	}
	entry.InsertedAt = time.Unix(0, insertedAt)
	if entry.Size, err = strconv.Atoi(size); err != nil {
		return entry, fmt.Errorf("malformed size for %s: %w", key, err)
	}
	return entry, nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
