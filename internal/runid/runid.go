// Package runid issues session identifiers and timestamps for the reporter.
package runid

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultZone is the zone run stamps are rendered in when none is configured.
const DefaultZone = "Asia/Kolkata"

// stampLayout renders a time without ':' so the id can be used in file names.
const stampLayout = "2006-01-02T150405.000000000-0700"

// Clock returns the current time. A zero time means the source is unavailable.
type Clock func() time.Time

// Provider produces run identifiers and timestamps. It is safe for concurrent use.
type Provider struct {
	mu    sync.Mutex
	clock Clock
	loc   *time.Location
	stamp *time.Location
	last  time.Time
	seq   uint32
	rand  func() string
}

// Option customises a Provider.
type Option func(*Provider)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Provider) {
		p.clock = c
	}
}

// WithLocation sets the zone of timestamps. Run ids use the zone's standard offset.
func WithLocation(loc *time.Location) Option {
	return func(p *Provider) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithSuffix replaces the random suffix generator. Tests use it for stable ids.
func WithSuffix(fn func() string) Option {
	return func(p *Provider) {
		p.rand = fn
	}
}

// NewProvider creates a Provider using the wall clock and DefaultZone.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		clock: time.Now,
		loc:   LoadLocation(DefaultZone),
		rand:  randomSuffix,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stamp = StandardZone(p.loc)
	return p
}

// StandardZone returns a fixed zone at loc's standard (non-daylight) offset. Stamps in a
// fixed zone keep sorting by time when daylight saving ends.
func StandardZone(loc *time.Location) *time.Location {
	year := time.Now().Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	return time.FixedZone(loc.String(), min(jan, jul))
}

// LoadLocation resolves a zone name. Unknown names and a missing tz database fall back
// to a fixed +05:30 zone.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// Now returns the current time in the provider's zone. The result never goes backwards
// relative to previously issued instants.
func (p *Provider) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tick()
}

// NewRunID returns an identifier of the form
//
//	2026-02-16T004911.123456789+0530-0001-1a2b3c4d
//
// Ids issued by one Provider sort lexically in creation order and never repeat. The stamp
// uses the standard offset of the configured zone, so daylight saving never reorders ids.
func (p *Provider) NewRunID() string {
	p.mu.Lock()
	t := p.tick()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	return fmt.Sprintf("%s-%04d-%s", t.In(p.stamp).Format(stampLayout), seq%10000, p.rand())
}

// tick must be called with mu held.
func (p *Provider) tick() time.Time {
	var now time.Time
	if p.clock != nil {
		now = p.clock()
	}
	if now.IsZero() {
		// Time source unavailable: advance a counter from the last issued instant.
		if p.last.IsZero() {
			p.last = time.Unix(0, 0)
		}
		now = p.last.Add(time.Nanosecond)
	}
	if !now.After(p.last) {
		now = p.last.Add(time.Nanosecond)
	}
	p.last = now
	return now.In(p.loc)
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
