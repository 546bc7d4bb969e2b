package metricsx

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// CountryCounter is like a *metrics.Counter, but split by ISO country code,
// with counters created lazily on first use of a given code.
type CountryCounter struct {
	mu   sync.Mutex
	ctr  map[string]*metrics.Counter
	unk  *metrics.Counter
	set  *metrics.Set
	base string
	arg  string
}

// NewCountryCounter creates a new CountryCounter writing to metrics in set
// named name.
func NewCountryCounter(set *metrics.Set, name string) *CountryCounter {
	base, arg := splitName(name)
	return &CountryCounter{
		ctr:  make(map[string]*metrics.Counter),
		unk:  set.NewCounter(formatName(base, arg, "country", "")),
		set:  set,
		base: base,
		arg:  arg,
	}
}

// Inc increments the counter for the given ISO country code.
func (c *CountryCounter) Inc(code string) {
	c.Counter(code).Inc()
}

// IncUnknown increments the counter for addresses with no resolvable country.
func (c *CountryCounter) IncUnknown() {
	c.unk.Inc()
}

// Counter gets the underlying counter for the given country code, creating
// it on first use.
func (c *CountryCounter) Counter(code string) *metrics.Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.ctr[code]
	if m == nil {
		m = c.set.NewCounter(formatName(c.base, c.arg, "country", code))
		c.ctr[code] = m
	}
	return m
}
