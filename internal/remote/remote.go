// Package remote is the client side of the remote note store. Every call
// returns the server's clock (epoch ms) alongside its result so callers can
// order changes without trusting the local clock.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"notesync/internal/clock"
	"notesync/internal/domain"
)

var ErrNotFound = errors.New("remote file not found")

type Client interface {
	Stat(ctx context.Context, path string) (info domain.FileInfo, serverTime int64, err error)
	Download(ctx context.Context, path string) (data []byte, info domain.FileInfo, serverTime int64, err error)
	// Upload stores data with the given mtime and returns the metadata the
	// server recorded.
	Upload(ctx context.Context, path string, data []byte, mtime int64) (info domain.FileInfo, serverTime int64, err error)
	Delete(ctx context.Context, path string) (serverTime int64, err error)
	List(ctx context.Context) (files []domain.FileInfo, serverTime int64, err error)
}

// ServerClock estimates the server's current time from the last observed
// response, for stamping tasks produced locally.
type ServerClock struct {
	local clock.Clock

	mu     sync.RWMutex
	offset time.Duration
	seen   bool
}

func NewServerClock(local clock.Clock) *ServerClock {
	return &ServerClock{local: local}
}

// Observe records a server timestamp received just now.
func (c *ServerClock) Observe(serverTime int64) {
	if serverTime <= 0 {
		return
	}
	off := time.UnixMilli(serverTime).Sub(c.local.Now())
	c.mu.Lock()
	c.offset = off
	c.seen = true
	c.mu.Unlock()
}

// Now returns the estimated server time in epoch ms, falling back to the
// local clock until a server response was observed.
func (c *ServerClock) Now() int64 {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return c.local.Now().Add(off).UnixMilli()
}

func (c *ServerClock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seen
}
