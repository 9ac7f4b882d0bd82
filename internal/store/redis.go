package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
)

const (
	// RedisProvider is the name of the Redis/Valkey provider.
	RedisProvider = "redis"

	// defaultKeyPrefix namespaces all store keys in Redis to avoid collisions.
	defaultKeyPrefix = "imgcache:"

	// editLockTTL bounds how long a crashed writer can hold a key.
	editLockTTL = time.Minute

	redisTimeout = 2 * time.Second
)

func init() {
	Register(RedisProvider, newRedisStore)
}

// redisStore implements Store on Redis/Valkey with application-level LRU
// semantics bounded by bytes.
//
// Data is stored in 3 Redis keys regardless of the number of entries, plus
// one short-lived lock key per open editor:
//
//   - {prefix}data  — a Hash holding every stream (field = "key:index").
//   - {prefix}sizes — a Hash holding the total byte length of each entry.
//   - {prefix}lru   — a Sorted Set that tracks LRU ordering (member = key,
//     score = last-access µs timestamp).
//   - {prefix}lock:{key} — set with NX while an editor is open for key.
//
// Lua scripts keep Get (touch) and Commit (write + evict) atomic. Snapshots
// hold their streams in memory, so eviction never invalidates an open reader.
type redisStore struct {
	client     *redis.Client
	maxSize    int64
	valueCount int
	onEvict    EvictCallback
	dataKey    string
	sizesKey   string
	lruKey     string
	lockPrefix string
}

// getAndTouch atomically retrieves the streams of an entry and refreshes its
// LRU score when the entry exists.
//
// KEYS[1] = data hash, KEYS[2] = LRU sorted set, KEYS[3] = sizes hash
// ARGV[1] = current µs timestamp, ARGV[2] = entry key, ARGV[3..] = stream fields
//
// Returns the stream values on hit, or nil on miss.
var getAndTouch = redis.NewScript(`
if not redis.call('HGET', KEYS[3], ARGV[2]) then
    return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
local vals = {}
for i = 3, #ARGV do
    vals[#vals + 1] = redis.call('HGET', KEYS[1], ARGV[i]) or ''
end
return vals
`)

// commitAndEvict atomically stores every stream of an entry, records its
// size, updates LRU tracking and evicts the least-recently-used entries while
// the total exceeds the byte budget.
//
// KEYS[1] = data hash, KEYS[2] = LRU sorted set, KEYS[3] = sizes hash
// ARGV[1] = current µs timestamp, ARGV[2] = entry key, ARGV[3] = max bytes,
// ARGV[4] = value count, ARGV[5..] = stream values in index order
//
// Returns a flat list of evicted (key, size) pairs (may be empty).
var commitAndEvict = redis.NewScript(`
local key      = ARGV[2]
local maxBytes = tonumber(ARGV[3])
local count    = tonumber(ARGV[4])

local total = 0
for i = 0, count - 1 do
    local value = ARGV[5 + i]
    redis.call('HSET', KEYS[1], key .. ':' .. i, value)
    total = total + string.len(value)
end
redis.call('HSET', KEYS[3], key, total)
redis.call('ZADD', KEYS[2], ARGV[1], key)

local used = 0
for _, v in ipairs(redis.call('HVALS', KEYS[3])) do
    used = used + tonumber(v)
end

local evicted = {}
while used > maxBytes do
    local oldest = redis.call('ZPOPMIN', KEYS[2], 1)
    if #oldest == 0 then break end
    local member = oldest[1]
    local size = tonumber(redis.call('HGET', KEYS[3], member) or '0')
    redis.call('HDEL', KEYS[3], member)
    for i = 0, count - 1 do
        redis.call('HDEL', KEYS[1], member .. ':' .. i)
    end
    used = used - size
    table.insert(evicted, member)
    table.insert(evicted, tostring(size))
end

return evicted
`)

// removeEntry deletes every trace of one entry.
//
// KEYS[1] = data hash, KEYS[2] = LRU sorted set, KEYS[3] = sizes hash
// ARGV[1] = entry key, ARGV[2] = value count
var removeEntry = redis.NewScript(`
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
for i = 0, tonumber(ARGV[2]) - 1 do
    redis.call('HDEL', KEYS[1], ARGV[1] .. ':' .. i)
end
return 1
`)

// releaseLock deletes an edit lock only when it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

func newRedisStore(cfg ProviderConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.RedisAddress, Reason: "redis ping failed", Err: err}
	}

	prefix := defaultKeyPrefix
	return &redisStore{
		client:     client,
		maxSize:    cfg.MaxSize,
		valueCount: cfg.ValueCount,
		onEvict:    cfg.OnEvict,
		dataKey:    prefix + "data",
		sizesKey:   prefix + "sizes",
		lruKey:     prefix + "lru",
		lockPrefix: prefix + "lock:",
	}, nil
}

func (r *redisStore) keys() []string {
	return []string{r.dataKey, r.lruKey, r.sizesKey}
}

func (r *redisStore) field(key string, index int) string {
	return key + ":" + strconv.Itoa(index)
}

func (r *redisStore) logError(msg string, err error) {
	logger := config.GetLogger()
	logger.Error().Err(err).Msg(msg)
}

// Edit implements Store.
func (r *redisStore) Edit(key string) (Editor, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	tokenHex := hex.EncodeToString(token)

	ok, err := r.client.SetNX(ctx, r.lockPrefix+key, tokenHex, editLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store Edit failed: %w", err)
	}
	if !ok {
		return nil, &apperrors.ErrEditInProgress{Key: key}
	}

	return &redisEditor{
		store:   r,
		key:     key,
		token:   tokenHex,
		buffers: make([]*bytes.Buffer, r.valueCount),
	}, nil
}

// Get implements Store.
func (r *redisStore) Get(key string) (Snapshot, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	args := make([]interface{}, 0, 2+r.valueCount)
	args = append(args, strconv.FormatInt(time.Now().UnixMicro(), 10), key)
	for i := 0; i < r.valueCount; i++ {
		args = append(args, r.field(key, i))
	}

	values, err := getAndTouch.Run(ctx, r.client, r.keys(), args...).StringSlice()
	if err != nil {
		// redis.Nil means the entry doesn't exist, a normal miss.
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewEntryNotFoundError(key)
		}
		r.logError("redis store Get failed", err)
		return nil, err
	}
	if len(values) != r.valueCount {
		return nil, apperrors.NewEntryNotFoundError(key)
	}

	streams := make([][]byte, len(values))
	for i, v := range values {
		streams[i] = []byte(v)
	}
	return &memorySnapshot{key: key, streams: streams}, nil
}

// Remove implements Store.
func (r *redisStore) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	locked, err := r.client.Exists(ctx, r.lockPrefix+key).Result()
	if err != nil {
		return err
	}
	if locked > 0 {
		return &apperrors.ErrEditInProgress{Key: key}
	}
	return removeEntry.Run(ctx, r.client, r.keys(), key, r.valueCount).Err()
}

// Flush is a no-op: durability is owned by the Redis server.
func (r *redisStore) Flush() error {
	return nil
}

// Size implements Store.
func (r *redisStore) Size() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	sizes, err := r.client.HVals(ctx, r.sizesKey).Result()
	if err != nil {
		r.logError("redis store Size failed", err)
		return 0
	}
	var total int64
	for _, s := range sizes {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			total += n
		}
	}
	return total
}

// MaxSize implements Store.
func (r *redisStore) MaxSize() int64 {
	return r.maxSize
}

// Len implements Store.
func (r *redisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := r.client.HLen(ctx, r.sizesKey).Result()
	if err != nil {
		r.logError("redis store Len failed", err)
		return 0
	}
	return int(n)
}

// Disabled implements Store.
func (r *redisStore) Disabled() bool {
	return false
}

// Close implements Store.
func (r *redisStore) Close() error {
	return r.client.Close()
}

// redisEditor buffers streams in memory until Commit sends them in one script call.
type redisEditor struct {
	store   *redisStore
	key     string
	token   string
	buffers []*bytes.Buffer
	done    bool
}

func (e *redisEditor) Key() string {
	return e.key
}

// Writer implements Editor.
func (e *redisEditor) Writer(index int) (io.Writer, error) {
	if e.done {
		return nil, fmt.Errorf("store: editor for %s is finished", e.key)
	}
	if index < 0 || index >= len(e.buffers) {
		return nil, fmt.Errorf("store: index %d out of range [0,%d)", index, len(e.buffers))
	}
	if e.buffers[index] == nil {
		e.buffers[index] = &bytes.Buffer{}
	}
	return e.buffers[index], nil
}

// Commit implements Editor.
func (e *redisEditor) Commit() error {
	if e.done {
		return fmt.Errorf("store: editor for %s is finished", e.key)
	}
	r := e.store
	defer e.release()

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	args := make([]interface{}, 0, 4+len(e.buffers))
	args = append(args,
		strconv.FormatInt(time.Now().UnixMicro(), 10),
		e.key,
		strconv.FormatInt(r.maxSize, 10),
		strconv.Itoa(len(e.buffers)),
	)
	for i, buf := range e.buffers {
		if buf != nil {
			args = append(args, buf.Bytes())
			continue
		}
		// Unwritten streams keep their committed value.
		existing, err := r.client.HGet(ctx, r.dataKey, r.field(e.key, i)).Bytes()
		if err != nil {
			return fmt.Errorf("store: entry %s has no value for index %d", e.key, i)
		}
		args = append(args, existing)
	}

	evicted, err := commitAndEvict.Run(ctx, r.client, r.keys(), args...).StringSlice()
	if err != nil {
		r.logError("redis store Commit failed", err)
		return err
	}

	if r.onEvict != nil {
		for i := 0; i+1 < len(evicted); i += 2 {
			size, _ := strconv.ParseInt(evicted[i+1], 10, 64)
			r.onEvict(evicted[i], size)
		}
	}
	return nil
}

// Abort implements Editor.
func (e *redisEditor) Abort() error {
	if e.done {
		return nil
	}
	e.release()
	return nil
}

func (e *redisEditor) release() {
	e.done = true
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := releaseLock.Run(ctx, e.store.client, []string{e.store.lockPrefix + e.key}, e.token).Err(); err != nil {
		e.store.logError("redis store lock release failed", err)
	}
}

// memorySnapshot serves streams that were read fully into memory.
type memorySnapshot struct {
	key     string
	streams [][]byte
}

func (s *memorySnapshot) Key() string {
	return s.key
}

func (s *memorySnapshot) Reader(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= len(s.streams) {
		return nil, fmt.Errorf("store: index %d out of range [0,%d)", index, len(s.streams))
	}
	return bytes.NewReader(s.streams[index]), nil
}

func (s *memorySnapshot) Length(index int) int64 {
	if index < 0 || index >= len(s.streams) {
		return 0
	}
	return int64(len(s.streams[index]))
}

func (s *memorySnapshot) Close() error {
	return nil
}
