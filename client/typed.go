package client

import (
	"time"

	"github.com/minicached/minicached/codec"
)

// Typed wraps a Client with a Codec so callers work with V instead of
// raw bytes. The zero flags word is used for all stores; the codec is
// the source of truth for the value format.
//
//	type User struct {
//		Name string `json:"name"`
//	}
//
//	users := client.NewTyped[User](c, codec.JSON[User]{})
//	err := users.Set("user:42", User{Name: "Ada"}, time.Hour)
//	u, err := users.Get("user:42")
type Typed[V any] struct {
	c     *Client
	codec codec.Codec[V]
}

// NewTyped binds a codec to an existing Client. Both may be shared
// across goroutines.
func NewTyped[V any](c *Client, cd codec.Codec[V]) *Typed[V] {
	return &Typed[V]{c: c, codec: cd}
}

// Get fetches and decodes a value. Returns ErrCacheMiss for absent keys.
func (t *Typed[V]) Get(key string) (V, error) {
	var zero V
	item, err := t.c.Get(key)
	if err != nil {
		return zero, err
	}
	return t.codec.Decode(item.Value)
}

// GetWithCAS fetches a value together with the token needed for a
// later CompareAndSwap.
func (t *Typed[V]) GetWithCAS(key string) (V, uint64, error) {
	var zero V
	item, err := t.c.Gets(key)
	if err != nil {
		return zero, 0, err
	}
	v, err := t.codec.Decode(item.Value)
	if err != nil {
		return zero, 0, err
	}
	return v, item.CAS, nil
}

// Set encodes and unconditionally stores a value.
func (t *Typed[V]) Set(key string, value V, ttl time.Duration) error {
	raw, err := t.codec.Encode(value)
	if err != nil {
		return err
	}
	return t.c.Set(key, raw, 0, ttl)
}

// Add encodes and stores a value only if the key is absent.
func (t *Typed[V]) Add(key string, value V, ttl time.Duration) error {
	raw, err := t.codec.Encode(value)
	if err != nil {
		return err
	}
	return t.c.Add(key, raw, 0, ttl)
}

// CompareAndSwap stores value only if the key's token still equals cas
// as returned by GetWithCAS. Returns ErrCASConflict on interference.
func (t *Typed[V]) CompareAndSwap(key string, value V, cas uint64, ttl time.Duration) error {
	raw, err := t.codec.Encode(value)
	if err != nil {
		return err
	}
	return t.c.CompareAndSwap(&Item{Key: key, Value: raw, CAS: cas}, ttl)
}

// Delete removes a key. Returns ErrCacheMiss if it was not present.
func (t *Typed[V]) Delete(key string) error {
	return t.c.Delete(key)
}
