package throughput

import (
	"fmt"
	"time"
)

// Unit is the display unit of a speed. Units scale by 1000.
type Unit int

const (
	UnitBps Unit = iota
	UnitKbps
	UnitMbps
	UnitGbps
)

var unitNames = []string{"bps", "Kbps", "Mbps", "Gbps"}

func (u Unit) String() string {
	if u < 0 || int(u) >= len(unitNames) {
		return "unknown"
	}
	return unitNames[u]
}

// MarshalText lets units appear by name in JSON events.
func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Unit) UnmarshalText(b []byte) error {
	for i, name := range unitNames {
		if name == string(b) {
			*u = Unit(i)
			return nil
		}
	}
	return fmt.Errorf("unknown speed unit %q", b)
}

// Speed is a throughput in bits per second. It is never negative.
type Speed struct {
	BitsPerSecond float64
}

// FromBytes converts a byte count over a duration into a speed. A zero or
// negative duration yields zero.
func FromBytes(bytes int64, d time.Duration) Speed {
	if d <= 0 || bytes <= 0 {
		return Speed{}
	}
	return Speed{BitsPerSecond: float64(bytes) * 8 / d.Seconds()}
}

// Display returns the value scaled to the largest unit in which it is >= 1.
// Values below 1000 bps stay in bps.
func (s Speed) Display() (float64, Unit) {
	value := s.BitsPerSecond
	if value < 0 {
		value = 0
	}
	unit := UnitBps
	for value >= 1000 && unit < UnitGbps {
		value /= 1000
		unit++
	}
	return value, unit
}

func (s Speed) Mbps() float64 {
	return s.BitsPerSecond / 1e6
}

func (s Speed) String() string {
	value, unit := s.Display()
	return fmt.Sprintf("%.2f %s", value, unit)
}
