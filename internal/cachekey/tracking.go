package cachekey

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Tracker observes every key a factory hands out.
type Tracker interface {
	Track(req Request, key Key)
}

type trackingFactory struct {
	base    Factory
	tracker Tracker
}

// Tracking wraps base so tracker sees each computed key. A nil tracker
// returns base unchanged.
func Tracking(base Factory, tracker Tracker) Factory {
	if tracker == nil {
		return base
	}
	return &trackingFactory{base: base, tracker: tracker}
}

func (f *trackingFactory) BitmapKey(req Request, caller any) Key {
	key := f.base.BitmapKey(req, caller)
	f.tracker.Track(req, key)
	return key
}

// Entry is one observed request/key pair.
type Entry struct {
	Request Request
	Key     Key
	Count   int
}

// DebugTracker keeps the most recently seen keys in an LRU so operators can
// see which requests map to which keys.
type DebugTracker struct {
	mu    sync.Mutex
	cache *lru.Cache
}

const defaultDebugEntries = 256

func NewDebugTracker(size int) (*DebugTracker, error) {
	if size <= 0 {
		size = defaultDebugEntries
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &DebugTracker{cache: c}, nil
}

func (t *DebugTracker) Track(req Request, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Entry{Request: req, Key: key, Count: 1}
	if v, ok := t.cache.Get(key); ok {
		e.Count = v.(Entry).Count + 1
	}
	t.cache.Add(key, e)
}

// Lookup returns the last request seen for key.
func (t *DebugTracker) Lookup(key Key) (Entry, bool) {
	v, ok := t.cache.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Recent returns tracked entries, newest first.
func (t *DebugTracker) Recent() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := t.cache.Peek(keys[i]); ok {
			out = append(out, v.(Entry))
		}
	}
	return out
}

func (t *DebugTracker) Len() int { return t.cache.Len() }
