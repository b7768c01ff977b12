package wspool

import "sync"

// channelStatus is the lifecycle of one expected subscription channel for
// one symbol on one connection.
type channelStatus int

const (
	statusPending channelStatus = iota
	statusConfirmed
	statusFailed
)

type symbolKey struct {
	connID int
	symbol string
}

// Confirmer tracks, per connection and per symbol, which expected channels
// (e.g. sub.deal, sub.depth.full) have been acknowledged. A symbol becomes
// fully confirmed only once every channel it expects reports success: a
// symbol is either fully confirmed on exactly one connection, or pending
// on exactly one connection, never both.
type Confirmer struct {
	mu       sync.Mutex
	channels map[symbolKey]map[string]channelStatus
}

// NewConfirmer creates an empty confirmer.
func NewConfirmer() *Confirmer {
	return &Confirmer{channels: make(map[symbolKey]map[string]channelStatus)}
}

// MarkPending registers the channels expected for symbol on connID, all in
// the pending state. Calling it again for the same key resets tracking
// (used when a resubscription after reconnect re-requests all channels).
func (c *Confirmer) MarkPending(connID int, symbol string, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]channelStatus, len(channels))
	for _, ch := range channels {
		m[ch] = statusPending
	}
	c.channels[symbolKey{connID, symbol}] = m
}

// Confirm marks one channel for symbol on connID as confirmed. Returns true
// if, after this call, every expected channel for that symbol is
// confirmed.
func (c *Confirmer) Confirm(connID int, symbol, channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.channels[symbolKey{connID, symbol}]
	if !ok {
		return false
	}
	if _, tracked := m[channel]; tracked {
		m[channel] = statusConfirmed
	}
	return allConfirmedLocked(m)
}

// Fail marks one channel for symbol on connID as failed.
func (c *Confirmer) Fail(connID int, symbol, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.channels[symbolKey{connID, symbol}]; ok {
		if _, tracked := m[channel]; tracked {
			m[channel] = statusFailed
		}
	}
}

// IsFullyConfirmed reports whether every channel tracked for symbol on
// connID is confirmed.
func (c *Confirmer) IsFullyConfirmed(connID int, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.channels[symbolKey{connID, symbol}]
	if !ok {
		return false
	}
	return allConfirmedLocked(m)
}

// IsPending reports whether symbol on connID has at least one channel still
// pending (not confirmed, not failed).
func (c *Confirmer) IsPending(connID int, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.channels[symbolKey{connID, symbol}]
	if !ok {
		return false
	}
	for _, st := range m {
		if st == statusPending {
			return true
		}
	}
	return false
}

// Remove erases tracking for symbol on connID (unsubscribe or connection
// close).
func (c *Confirmer) Remove(connID int, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, symbolKey{connID, symbol})
}

// RemoveConnection erases all tracking for a whole connection (connection
// closed).
func (c *Confirmer) RemoveConnection(connID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.channels {
		if k.connID == connID {
			delete(c.channels, k)
		}
	}
}

func allConfirmedLocked(m map[string]channelStatus) bool {
	if len(m) == 0 {
		return false
	}
	for _, st := range m {
		if st != statusConfirmed {
			return false
		}
	}
	return true
}
