// Package ratelimit provides rate limiting for connections and messages
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides rate limiting per IP address
type Limiter struct {
	visitors map[string]*visitor
	mu       sync.RWMutex
	r        rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(r rate.Limit, burst int) *Limiter {
	l := &Limiter{
		visitors: make(map[string]*visitor),
		r:        r,
		burst:    burst,
	}
	go l.cleanup()
	return l
}

// Allow checks if a request from the given IP should be allowed
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(l.r, l.burst),
		}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

// cleanup removes stale visitors periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// MessageLimiter provides per-client message rate limiting
type MessageLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	r        rate.Limit
	burst    int
}

// NewMessageLimiter creates a new message rate limiter
func NewMessageLimiter(r rate.Limit, burst int) *MessageLimiter {
	return &MessageLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

// Allow checks if a message from the given room/client should be allowed
func (l *MessageLimiter) Allow(roomID, clientID string) bool {
	key := roomID + ":" + clientID

	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter for a single room/client pair, freeing its
// entry once that connection closes instead of leaking it for the
// life of the room.
func (l *MessageLimiter) Remove(roomID, clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, roomID+":"+clientID)
}

// RemoveRoom removes all limiters for a room
func (l *MessageLimiter) RemoveRoom(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Remove all entries for this room
	prefix := roomID + ":"
	for key := range l.limiters {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.limiters, key)
		}
	}
}

// RoomLimiter rate-limits join *attempts* per room, independent of the
// per-IP connection limiter: it bounds how fast a single room can be
// hammered with upgrade requests regardless of how many distinct IPs
// are making them (e.g. a botnet probing for the auth token).
type RoomLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	r        rate.Limit
	burst    int
}

// NewRoomLimiter creates a new per-room connection-attempt limiter.
func NewRoomLimiter(r rate.Limit, burst int) *RoomLimiter {
	return &RoomLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

// Allow checks whether another join attempt for roomID should proceed.
func (l *RoomLimiter) Allow(roomID string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[roomID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.burst)
		l.limiters[roomID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveRoom drops the limiter state for a destroyed room.
func (l *RoomLimiter) RemoveRoom(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, roomID)
}
