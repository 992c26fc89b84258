package notifier

import (
	"sync"
	"time"
)

// DefaultProgressTTL bounds how long delivered parts are remembered.
const DefaultProgressTTL = time.Hour

// Progress remembers the parts of a payload a sink already delivered (one
// push endpoint, one message chunk), keyed by payload tag. A retried Show
// skips them, so only the failed parts are sent again.
type Progress struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	tags map[string]*progressEntry
}

type progressEntry struct {
	parts map[string]struct{}
	at    time.Time
}

func NewProgress(ttl time.Duration) *Progress {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &Progress{ttl: ttl, now: time.Now, tags: map[string]*progressEntry{}}
}

// Done reports whether part was delivered for tag. An empty tag is never
// tracked.
func (p *Progress) Done(tag, part string) bool {
	if p == nil || tag == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.tags[tag]
	if !ok || p.now().Sub(e.at) > p.ttl {
		return false
	}
	_, ok = e.parts[part]
	return ok
}

func (p *Progress) Mark(tag, part string) {
	if p == nil || tag == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, e := range p.tags {
		if now.Sub(e.at) > p.ttl {
			delete(p.tags, k)
		}
	}
	e, ok := p.tags[tag]
	if !ok {
		e = &progressEntry{parts: map[string]struct{}{}}
		p.tags[tag] = e
	}
	e.parts[part] = struct{}{}
	e.at = now
}
