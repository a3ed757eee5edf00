package nbd

import "sync"

// Cache is a lazy-free object cache. Alloc serves from a free list where
// possible and only falls back to the constructor on a miss; freed objects
// go back on the free list and are trimmed down again by HouseKeeping once
// the demand peak passes.
//
// The caller owns the mutex passed to every method and must hold it at the
// time of call. Alloc drops it around the constructor (which may allocate
// or sleep) and re-takes it before returning, so any caller state spanning
// the call must be re-checked afterwards. Free never drops it.
//
// The constructor does one-time init only; per-use init belongs to the
// caller after Alloc.
type Cache[T any] struct {
	free      List[T]
	construct func() *T
	destroy   func(*T)
	inUse     int
	peak      int
	lastTime  int64
}

// NewCache makes a cache over objects reachable through linkOf. destroy may
// be nil when dropping the reference is enough.
func NewCache[T any](linkOf func(*T) *Link[T], construct func() *T, destroy func(*T)) *Cache[T] {
	return &Cache[T]{
		free:      NewList[T](linkOf),
		construct: construct,
		destroy:   destroy,
	}
}

// Alloc returns a cached object, or constructs one with the mutex dropped.
// Returns nil if the constructor does.
func (c *Cache[T]) Alloc(mu *sync.Mutex) *T {
	if obj := c.free.PopFront(); obj != nil {
		c.inUse++
		if c.inUse > c.peak {
			c.peak = c.inUse
		}
		return obj
	}
	mu.Unlock()
	obj := c.construct()
	mu.Lock()
	if obj != nil {
		c.inUse++
		if c.inUse > c.peak {
			c.peak = c.inUse
		}
	}
	return obj
}

// Free returns an object to the free list. The mutex is never dropped.
func (c *Cache[T]) Free(mu *sync.Mutex, obj *T) {
	c.free.PushFront(obj)
	c.inUse--
}

// HouseKeeping trims the free list. Expected to be called at roughly one
// second intervals with the current wall-clock seconds; a second call within
// the same second is a no-op. Frees half of the excess over the demand peak
// of the previous window, keeping a slack of 2 so a steady state does not
// thrash, and resets the peak for the next window. Destruction happens with
// the mutex dropped.
func (c *Cache[T]) HouseKeeping(mu *sync.Mutex, curTime int64) {
	if curTime == c.lastTime {
		return
	}
	c.lastTime = curTime
	backendTotal := c.free.Len() + c.inUse
	excess := backendTotal - c.peak
	c.peak = c.inUse
	if excess <= 2 {
		return
	}

	// Free half of the excess.
	excess >>= 1
	freed := NewList[T](c.free.linkOf)
	for i := 0; i < excess; i++ {
		obj := c.free.PopFront()
		if obj == nil {
			break
		}
		freed.PushFront(obj)
	}
	mu.Unlock()
	for {
		obj := freed.PopFront()
		if obj == nil {
			break
		}
		if c.destroy != nil {
			c.destroy(obj)
		}
	}
	mu.Lock()
}

// Drain destroys everything on the free list. For teardown once no more
// Alloc calls can happen.
func (c *Cache[T]) Drain() {
	for {
		obj := c.free.PopFront()
		if obj == nil {
			return
		}
		if c.destroy != nil {
			c.destroy(obj)
		}
	}
}

// FreeLen returns the current free list population.
func (c *Cache[T]) FreeLen() int {
	return c.free.Len()
}

// InUse returns the number of objects currently allocated out.
func (c *Cache[T]) InUse() int {
	return c.inUse
}
