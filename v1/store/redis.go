package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/kbokarius/go-oiot/v1/store")

// casPutScript writes value+ref subject to a precondition checked inside the
// script so the compare and the swap are a single atomic step.
// ARGV: mode ("none"|"absent"|"ref"), expected ref, new ref, value.
var casPutScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ref")
if ARGV[1] == "absent" and cur then
    return 0
end
if ARGV[1] == "ref" then
    if not cur or cur ~= ARGV[2] then
        return 0
    end
end
redis.call("HSET", KEYS[1], "ref", ARGV[3])
redis.call("HSET", KEYS[1], "value", ARGV[4])
return 1
`)

// ARGV: mode ("none"|"ref"), expected ref.
var casDeleteScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ref")
if not cur then
    return -1
end
if ARGV[1] == "ref" and cur ~= ARGV[2] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Each (collection, key)
// pair maps to one hash holding the value and its current ref; CAS
// preconditions are evaluated server-side in Lua.
type RedisStore struct {
	client       *redis.Client
	namespace    string
	timeout      time.Duration
	traceEnabled bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.timeout = d
	}
}

// WithNamespace sets the key prefix separating this store's data from other
// users of the same Redis instance.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		s.namespace = ns
	}
}

// WithTracing enables OpenTelemetry spans around store round trips.
func WithTracing() RedisOption {
	return func(s *RedisStore) {
		s.traceEnabled = true
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, namespace: "oiot", timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(collection, key string) string {
	return s.namespace + ":" + collection + ":" + key
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, collection, key string) (json.RawMessage, Ref, error) {
	ctx, end := s.startSpan(ctx, "store.Get", collection, key)
	defer end()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, s.redisKey(collection, key), "value", "ref").Result()
	if err != nil {
		return nil, "", mapRedisErr(err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, "", ErrNotFound
	}
	value, _ := vals[0].(string)
	ref, _ := vals[1].(string)
	return json.RawMessage(value), Ref(ref), nil
}

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, collection, key string, value json.RawMessage, cond Condition) (Ref, error) {
	ctx, end := s.startSpan(ctx, "store.Put", collection, key)
	defer end()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	mode, expected := condArgs(cond)
	ref, err := newRef()
	if err != nil {
		return "", err
	}
	res, err := casPutScript.Run(cctx, s.client,
		[]string{s.redisKey(collection, key)},
		mode, expected, string(ref), string(value)).Int64()
	if err != nil {
		return "", mapRedisErr(err)
	}
	if res == 0 {
		return "", ErrCASMismatch
	}
	return ref, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, collection, key string, cond Condition) error {
	ctx, end := s.startSpan(ctx, "store.Delete", collection, key)
	defer end()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	mode, expected := condArgs(cond)
	if cond.Absent {
		// Deleting subject to absence is a contradiction; treat as plain miss.
		mode = "none"
	}
	res, err := casDeleteScript.Run(cctx, s.client,
		[]string{s.redisKey(collection, key)}, mode, expected).Int64()
	if err != nil {
		return mapRedisErr(err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrCASMismatch
	}
	return nil
}

// List implements Store.List using SCAN over the collection's key prefix.
func (s *RedisStore) List(ctx context.Context, collection string) ([]Item, error) {
	ctx, end := s.startSpan(ctx, "store.List", collection, "")
	defer end()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	prefix := s.namespace + ":" + collection + ":"
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	items := make([]Item, 0, len(keys))
	for _, rk := range keys {
		vals, err := s.client.HMGet(cctx, rk, "value", "ref").Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		if vals[0] == nil || vals[1] == nil {
			// Deleted between SCAN and fetch.
			continue
		}
		value, _ := vals[0].(string)
		ref, _ := vals[1].(string)
		items = append(items, Item{
			Collection: collection,
			Key:        strings.TrimPrefix(rk, prefix),
			Ref:        Ref(ref),
			Value:      json.RawMessage(value),
		})
	}
	return items, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(cctx).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) startSpan(ctx context.Context, name, collection, key string) (context.Context, func()) {
	if !s.traceEnabled {
		return ctx, func() {}
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("oiot.collection", collection),
		attribute.String("oiot.key", key),
	)
	return ctx, func() { span.End() }
}

func condArgs(cond Condition) (mode, expected string) {
	switch {
	case cond.Absent:
		return "absent", ""
	case cond.Ref != "":
		return "ref", string(cond.Ref)
	}
	return "none", ""
}

func newRef() (Ref, error) {
	k, err := RandomKey()
	if err != nil {
		return "", err
	}
	return Ref(k), nil
}

var _ Store = (*RedisStore)(nil)
