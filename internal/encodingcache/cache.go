// Package encodingcache memoizes the serialized bytes of immutable payload
// objects for the duration of a single fan-out, so that broadcasting the
// same (configuration, state) pair to many connections encodes each of
// them only once.
package encodingcache

// Cache is a scoped memoization table. It has three effective states:
// inactive (the zero value — every Encode call recomputes), active-empty,
// and active-populated. It is single-threaded: callers must not share a
// Cache across goroutines without external synchronization, and must not
// call Encode concurrently with Scope.
type Cache struct {
	active bool
	values map[interface{}][]byte
}

// Scope activates the cache, runs fn, and deactivates it again on every
// exit path (including a panic propagating out of fn), dropping all
// entries. Callers should prefer Scope to manipulating Cache directly.
func (c *Cache) Scope(fn func()) {
	c.active = true
	c.values = make(map[interface{}][]byte)
	defer func() {
		c.active = false
		c.values = nil
	}()
	fn()
}

// Encode returns compute()'s result for key, caching it for the lifetime
// of the current Scope. Outside a Scope it always calls compute. key must
// be a comparable Go value — a stable identity derived from the payload
// (e.g. its version number, or the payload itself when it holds no map or
// slice fields) — not a struct containing a map or slice, which Go cannot
// hash as a map key.
func (c *Cache) Encode(key interface{}, compute func() []byte) []byte {
	if !c.active {
		return compute()
	}
	if cached, ok := c.values[key]; ok {
		return cached
	}
	v := compute()
	c.values[key] = v
	return v
}
