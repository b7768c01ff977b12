package pumpdetector

import (
	"time"

	"github.com/shopspring/decimal"
)

// sample is one timestamped price/volume observation.
type sample struct {
	at     time.Time
	price  decimal.Decimal
	volume decimal.Decimal
}

// ring is a fixed-capacity circular buffer of timestamped price/volume
// samples. Oldest samples are overwritten once full.
type ring struct {
	buf   []sample
	next  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) push(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// latest returns the most recently pushed sample.
func (r *ring) latest() (sample, bool) {
	if r.count == 0 {
		return sample{}, false
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

// since returns every sample with at >= cutoff, oldest first.
func (r *ring) since(cutoff time.Time) []sample {
	out := make([]sample, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// closestAtOrBefore returns the most recent sample with at <= target, used
// by velocity's "price_window_ago" lookup.
func (r *ring) closestAtOrBefore(target time.Time) (sample, bool) {
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	var best sample
	found := false
	for i := 0; i < r.count; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if !s.at.After(target) {
			best = s
			found = true
		} else {
			break
		}
	}
	return best, found
}

// medianPrice returns the median price of samples.
func medianPrice(samples []sample) decimal.Decimal {
	vals := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		vals[i] = s.price
	}
	return median(vals)
}

func medianVolume(samples []sample) decimal.Decimal {
	vals := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		vals[i] = s.volume
	}
	return median(vals)
}

func median(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].GreaterThan(sorted[j]); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
