package breaker

import (
	"sort"
	"sync"
	"time"
)

// Bank owns one breaker per outbound connection. Breakers are created on
// first use with the bank's default config. State changes fan out on a
// single buffered channel consumed by the fault manager.
type Bank struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker

	events  chan StateChange
	nowFunc func() time.Time
}

// NewBank creates an empty breaker bank.
func NewBank(cfg Config) *Bank {
	return &Bank{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
		events:   make(chan StateChange, 64),
		nowFunc:  time.Now,
	}
}

// Get returns the breaker for the service, creating it closed if needed.
func (bk *Bank) Get(service string) *Breaker {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	b, ok := bk.breakers[service]
	if !ok {
		b = New(service, bk.cfg)
		b.nowFunc = bk.nowFunc
		b.onChange = bk.publish
		bk.breakers[service] = b
	}
	return b
}

// Events returns the transition channel. Changes are dropped rather than
// blocking a breaker when the consumer lags.
func (bk *Bank) Events() <-chan StateChange { return bk.events }

func (bk *Bank) publish(sc StateChange) {
	select {
	case bk.events <- sc:
	default:
	}
}

// OpenFraction returns the share of breakers currently open, used by the
// resilience score. An empty bank reports zero.
func (bk *Bank) OpenFraction() float64 {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	if len(bk.breakers) == 0 {
		return 0
	}
	open := 0
	for _, b := range bk.breakers {
		if b.State() == StateOpen {
			open++
		}
	}
	return float64(open) / float64(len(bk.breakers))
}

// Snapshot returns service -> state for all breakers, sorted for stable
// display.
func (bk *Bank) Snapshot() []StateChange {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	out := make([]StateChange, 0, len(bk.breakers))
	for name, b := range bk.breakers {
		out = append(out, StateChange{Service: name, To: b.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
