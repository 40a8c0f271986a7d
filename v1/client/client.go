package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kbokarius/go-oiot/v1/config"
	"github.com/kbokarius/go-oiot/v1/lock"
	"github.com/kbokarius/go-oiot/v1/store"
)

// Client performs direct, non-transactional store operations. Each operation
// acquires a throwaway lock around the single store call so a bare write can
// never race a job that already owns the key; if a job holds the key the
// operation fails immediately with oioterrors.ErrCollectionKeyLocked.
type Client struct {
	store store.Store
	cfg   config.Config
}

// New returns a Client writing through st.
func New(st store.Store, cfg config.Config) *Client {
	return &Client{store: st, cfg: cfg}
}

func (c *Client) withLock(ctx context.Context, collection, key string, fn func(context.Context) error) error {
	id, err := store.RandomKey()
	if err != nil {
		return err
	}
	m := lock.NewManager(c.store, c.cfg)
	if _, err := m.Acquire(ctx, collection, key, id, time.Now()); err != nil {
		return err
	}
	defer m.ReleaseAllQuietly(ctx)
	return fn(ctx)
}

// Get reads (collection, key) under a transient lock.
func (c *Client) Get(ctx context.Context, collection, key string) (json.RawMessage, store.Ref, error) {
	var value json.RawMessage
	var ref store.Ref
	err := c.withLock(ctx, collection, key, func(ctx context.Context) error {
		var err error
		value, ref, err = c.store.Get(ctx, collection, key)
		return err
	})
	return value, ref, err
}

// Put writes (collection, key) under a transient lock. cond applies to the
// real write; the zero Condition overwrites unconditionally.
func (c *Client) Put(ctx context.Context, collection, key string, value json.RawMessage, cond store.Condition) (store.Ref, error) {
	var ref store.Ref
	err := c.withLock(ctx, collection, key, func(ctx context.Context) error {
		var err error
		ref, err = c.store.Put(ctx, collection, key, value, cond)
		return err
	})
	return ref, err
}

// Post writes value under a freshly generated random key.
func (c *Client) Post(ctx context.Context, collection string, value json.RawMessage) (string, store.Ref, error) {
	key, err := store.RandomKey()
	if err != nil {
		return "", "", err
	}
	ref, err := c.Put(ctx, collection, key, value, store.IfAbsent())
	if err != nil {
		return "", "", err
	}
	return key, ref, nil
}

// Delete removes (collection, key) under a transient lock.
func (c *Client) Delete(ctx context.Context, collection, key string, cond store.Condition) error {
	return c.withLock(ctx, collection, key, func(ctx context.Context) error {
		return c.store.Delete(ctx, collection, key, cond)
	})
}

// Ping probes the backing store.
func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
