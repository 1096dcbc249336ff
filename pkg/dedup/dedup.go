// Package dedup drops messages already seen within a TTL, used to absorb
// MQTT QoS1 redelivery.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// Key hashes a payload: a QoS1 redelivery carries the same bytes.
func Key(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// ShouldProcess reports whether id was not seen within the TTL and marks it.
// The empty id is always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if d == nil || id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
	return true
}

// ShouldProcessPayload is ShouldProcess(Key(payload)).
func (d *Deduper) ShouldProcessPayload(payload []byte) bool {
	return d.ShouldProcess(Key(payload))
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evict drops expired entries first, then the oldest ones until under max.
func (d *Deduper) evict(now time.Time) {
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var oldest string
		var oldestExp time.Time
		for k, exp := range d.seen {
			if oldest == "" || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		delete(d.seen, oldest)
	}
}
