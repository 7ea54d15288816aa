// Package cachekey derives cache keys for processed stream output.
package cachekey

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// Request identifies what a job produces.
type Request struct {
	URI      string
	Width    int
	Height   int
	Rotation int
	Variant  string
}

// Key is an opaque, stable cache key.
type Key string

func (k Key) String() string { return string(k) }

// Factory maps a request to its cache key. caller carries whatever
// context the caller wants a tracker to see; factories may ignore it.
type Factory interface {
	BitmapKey(req Request, caller any) Key
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(req Request, caller any) Key

func (f FactoryFunc) BitmapKey(req Request, caller any) Key { return f(req, caller) }

// DefaultFactory hashes every request field with FNV-64a. Equal requests
// always give equal keys; the caller is ignored.
type DefaultFactory struct{}

func (DefaultFactory) BitmapKey(req Request, _ any) Key {
	h := fnv.New64a()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(req.URI)
	write(strconv.Itoa(req.Width))
	write(strconv.Itoa(req.Height))
	write(strconv.Itoa(((req.Rotation % 360) + 360) % 360))
	write(req.Variant)
	return Key(fmt.Sprintf("%016x", h.Sum64()))
}
