package remediation

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// CircuitBreaker limits how many replacements may start per hour and keeps
// a per-node cooldown: once a pod stranded on a lost node is replaced, the
// other pods from that node wait before their own replacement starts.
// A zero maxPerHour disables the hourly window.
type CircuitBreaker struct {
	mu            sync.Mutex
	clock         clock.PassiveClock
	maxPerHour    int
	cooldown      time.Duration
	recentStarts  []time.Time
	nodeCooldowns map[string]time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given limits.
func NewCircuitBreaker(maxPerHour int, cooldown time.Duration, clk clock.PassiveClock) *CircuitBreaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CircuitBreaker{
		clock:         clk,
		maxPerHour:    maxPerHour,
		cooldown:      cooldown,
		nodeCooldowns: make(map[string]time.Time),
	}
}

// cooldownKey returns "" for nodes that do not identify a single machine.
func cooldownKey(node string) string {
	if node == "" || node == unknownNode {
		return ""
	}
	return node
}

// IsOpen returns true if the hourly replacement budget is spent.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb == nil || cb.maxPerHour <= 0 {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneOld()
	return len(cb.recentStarts) >= cb.maxPerHour
}

// IsOnCooldown returns true if a pod from node was replaced within the cooldown.
func (cb *CircuitBreaker) IsOnCooldown(node string) bool {
	key := cooldownKey(node)
	if cb == nil || cb.cooldown <= 0 || key == "" {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	last, ok := cb.nodeCooldowns[key]
	if !ok {
		return false
	}
	return cb.clock.Since(last) < cb.cooldown
}

// Record notes a started replacement of a pod that lived on node.
func (cb *CircuitBreaker) Record(node string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.clock.Now()
	cb.recentStarts = append(cb.recentStarts, now)
	if key := cooldownKey(node); key != "" {
		cb.nodeCooldowns[key] = now
	}
}

// pruneOld drops starts older than one hour from the sliding window.
func (cb *CircuitBreaker) pruneOld() {
	cutoff := cb.clock.Now().Add(-1 * time.Hour)
	i := 0
	for i < len(cb.recentStarts) && cb.recentStarts[i].Before(cutoff) {
		i++
	}
	cb.recentStarts = cb.recentStarts[i:]
}
