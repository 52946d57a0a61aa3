package types

import (
	"fmt"
	"math"
	"time"
)

const nsPerSec = int64(time.Second)

// Time is an instant expressed as whole seconds plus a nanosecond remainder.
// Nsec is always in [0, 1e9) after normalization; Sec may be negative for
// differences.
type Time struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// Zero is the base epoch.
var Zero = Time{}

// NewTime returns a normalized Time.
func NewTime(sec, nsec int64) Time {
	return normalize(sec, nsec)
}

func normalize(sec, nsec int64) Time {
	sec += nsec / nsPerSec
	nsec %= nsPerSec
	if nsec < 0 {
		nsec += nsPerSec
		sec--
	}
	return Time{Sec: sec, Nsec: nsec}
}

// Add returns a + b.
func Add(a, b Time) Time {
	return normalize(a.Sec+b.Sec, a.Nsec+b.Nsec)
}

// Subtract returns a - b.
func Subtract(a, b Time) Time {
	return normalize(a.Sec-b.Sec, a.Nsec-b.Nsec)
}

// Compare returns -1, 0 or 1 when a is before, equal to or after b.
func Compare(a, b Time) int {
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Nsec < b.Nsec:
		return -1
	case a.Nsec > b.Nsec:
		return 1
	}
	return 0
}

// IsBefore reports whether t is strictly before o.
func (t Time) IsBefore(o Time) bool { return Compare(t, o) < 0 }

// FromNanoSec converts a nanosecond count into a Time.
func FromNanoSec(ns int64) Time {
	return normalize(ns/nsPerSec, ns%nsPerSec)
}

// FromDuration converts a duration into a Time offset.
func FromDuration(d time.Duration) Time {
	return FromNanoSec(int64(d))
}

// FromTime converts a wall clock time.
func FromTime(t time.Time) Time {
	return normalize(t.Unix(), int64(t.Nanosecond()))
}

// ToNanoSec converts t into a single nanosecond count. ok is false when the
// value does not fit in an int64.
func (t Time) ToNanoSec() (ns int64, ok bool) {
	if t.Sec < 0 {
		// Borrow a second so the remainder is negative and the product stays in range.
		sec, rem := t.Sec+1, t.Nsec-nsPerSec
		if sec < math.MinInt64/nsPerSec {
			return 0, false
		}
		ns = sec * nsPerSec
		if ns < math.MinInt64-rem {
			return 0, false
		}
		return ns + rem, true
	}
	if t.Sec > math.MaxInt64/nsPerSec {
		return 0, false
	}
	ns = t.Sec * nsPerSec
	if ns > math.MaxInt64-t.Nsec {
		return 0, false
	}
	return ns + t.Nsec, true
}

// GoTime converts t to a wall clock time.
func (t Time) GoTime() time.Time {
	return time.Unix(t.Sec, t.Nsec).UTC()
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}
