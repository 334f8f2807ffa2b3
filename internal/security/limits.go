// Package security provides connection and message rate limiting and input
// validation for the WebSocket endpoint.
package security

import (
	"sync"
	"time"
)

// Limits bounds what a single client may do
type Limits struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int64
	MaxDocumentIDLength  int
}

// DefaultLimits returns the production limits
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:  50,
		MaxMessagesPerMinute: 500,
		MaxMessageSize:       2_000_000, // 2MB
		MaxDocumentIDLength:  256,
	}
}

// ConnectionLimiter tracks open connections per IP
type ConnectionLimiter struct {
	max         int
	connections map[string]int
	mu          sync.Mutex
}

// NewConnectionLimiter creates a limiter allowing max connections per IP
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:         max,
		connections: make(map[string]int),
	}
}

// Acquire records a connection from ip if the limit allows it
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.max {
		return false
	}
	cl.connections[ip]++
	return true
}

// Release forgets one connection from ip
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// Count returns the open connections from ip
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[ip]
}

// RateLimiter is a per-connection sliding one-minute window
type RateLimiter struct {
	max      int
	window   time.Duration
	messages map[string][]time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing maxPerMinute messages per
// connection and starts its cleanup loop.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		max:      maxPerMinute,
		window:   time.Minute,
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for connID, timestamps := range rl.messages {
		recent := rl.recent(timestamps, now)
		if len(recent) == 0 {
			delete(rl.messages, connID)
		} else {
			rl.messages[connID] = recent
		}
	}
}

func (rl *RateLimiter) recent(timestamps []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && now.Sub(timestamps[i]) >= rl.window {
		i++
	}
	return timestamps[i:]
}

// Allow records a message at now and reports whether it is within the limit.
// Rejected messages are not recorded.
func (rl *RateLimiter) Allow(connectionID string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	recent := rl.recent(rl.messages[connectionID], now)
	if len(recent) >= rl.max {
		rl.messages[connectionID] = recent
		return false
	}
	rl.messages[connectionID] = append(recent, now)
	return true
}

// Forget drops tracking data for a closed connection
func (rl *RateLimiter) Forget(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.messages, connectionID)
}

// Dispose stops the cleanup loop
func (rl *RateLimiter) Dispose() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Manager bundles the limiters used by the WebSocket endpoint
type Manager struct {
	Limits      Limits
	Connections *ConnectionLimiter
	Messages    *RateLimiter
}

// NewManager creates the limiters for limits
func NewManager(limits Limits) *Manager {
	return &Manager{
		Limits:      limits,
		Connections: NewConnectionLimiter(limits.MaxConnectionsPerIP),
		Messages:    NewRateLimiter(limits.MaxMessagesPerMinute),
	}
}

// Dispose stops background work
func (m *Manager) Dispose() {
	m.Messages.Dispose()
}
