package rate

import "time"

// Window represents a provider rate-limit bucket.
type Window int

const (
	Second Window = iota
	Minute
	Day
	Month
)

func (w Window) String() string {
	switch w {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Day:
		return "day"
	case Month:
		return "month"
	default:
		return "unknown"
	}
}

// Duration is the refill period of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Day:
		return 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// Declaration defines a provider's rate limits.
type Declaration struct {
	provider string
	limits   map[Window]int
	maxWait  time.Duration
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// WaitUpTo lets a call block for a free slot when one frees up within d.
func (d Declaration) WaitUpTo(wait time.Duration) Declaration {
	d.maxWait = wait
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) MaxWait() time.Duration {
	return d.maxWait
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
