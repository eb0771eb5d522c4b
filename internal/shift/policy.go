package shift

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time expressed as seconds since midnight.
type TimeOfDay int

const day = TimeOfDay(24 * 60 * 60)

var clockFormats = []string{"15:04", "15:04:05", "3:04 PM", "3:04:05 PM", "03:04 PM", "03:04:05 PM"}

// ParseTimeOfDay accepts 24-hour ("14:30", "14:30:45") and 12-hour ("2:30 PM") forms.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range clockFormats {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("unable to parse time of day %q", s)
}

// MustParseTimeOfDay is ParseTimeOfDay for literals.
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Of returns the time of day of t in t's location.
func Of(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (t TimeOfDay) String() string {
	h, m, s := int(t)/3600, int(t)%3600/60, int(t)%60
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// On anchors t to the calendar day of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, mo, d := ref.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, ref.Location()).Add(time.Duration(t) * time.Second)
}

// Window is a half-open [Start, End) interval over the time of day.
// A window whose End is earlier than its Start wraps past midnight.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Wraps reports whether the window crosses midnight.
func (w Window) Wraps() bool { return w.End < w.Start }

// Contains reports whether x falls inside the window. Start == End is empty.
func (w Window) Contains(x TimeOfDay) bool {
	if w.Wraps() {
		return x >= w.Start || x < w.End
	}
	return x >= w.Start && x < w.End
}

// Active returns the absolute bounds of the occurrence of w that is relevant
// to now: for a wrapping window observed after midnight, the occurrence that
// started the previous day.
func (w Window) Active(now time.Time) (start, end time.Time) {
	start = w.Start.On(now)
	end = w.End.On(now)
	if !w.Wraps() {
		return start, end
	}
	if Of(now) >= w.Start {
		return start, end.AddDate(0, 0, 1)
	}
	return start.AddDate(0, 0, -1), end
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Definition names a shift and its check-in and check-out windows.
type Definition struct {
	Name     string
	Checkin  Window
	Checkout Window
}

// Overnight reports whether a session of this shift can end on the calendar
// day after it started.
func (d Definition) Overnight() bool {
	return d.Checkin.Wraps() || d.Checkout.Wraps() || d.Checkout.Start < d.Checkin.Start
}

// Bounds are the absolute window bounds for a shift around a given instant.
type Bounds struct {
	Shift         string
	CheckinStart  time.Time
	CheckinEnd    time.Time
	CheckoutStart time.Time
	CheckoutEnd   time.Time
}

// Defaults mirrors the stock settings shipped with the scanner stations.
func Defaults() []Definition {
	return []Definition{
		{
			Name:     "Morning",
			Checkin:  Window{Start: MustParseTimeOfDay("09:00"), End: MustParseTimeOfDay("11:00")},
			Checkout: Window{Start: MustParseTimeOfDay("12:00"), End: MustParseTimeOfDay("13:40")},
		},
		{
			Name:     "Evening",
			Checkin:  Window{Start: MustParseTimeOfDay("15:00"), End: MustParseTimeOfDay("18:00")},
			Checkout: Window{Start: MustParseTimeOfDay("15:00"), End: MustParseTimeOfDay("18:00")},
		},
	}
}

// Policy decides whether check-in and check-out are currently permitted.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	order    []Definition
	byName   map[string]Definition
	fallback Definition
}

// NewPolicy builds a policy over defs. Unknown shift names resolve to the
// fallback shift, which must be one of defs.
func NewPolicy(defs []Definition, fallback string) (*Policy, error) {
	if len(defs) == 0 {
		return nil, errors.New("at least one shift is required")
	}
	p := &Policy{byName: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		key := normalize(d.Name)
		if key == "" {
			return nil, errors.New("shift name required")
		}
		if _, dup := p.byName[key]; dup {
			return nil, fmt.Errorf("duplicate shift %q", d.Name)
		}
		p.byName[key] = d
		p.order = append(p.order, d)
	}
	fb, ok := p.byName[normalize(fallback)]
	if !ok {
		return nil, fmt.Errorf("default shift %q is not defined", fallback)
	}
	p.fallback = fb
	return p, nil
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Resolve returns the definition for name, or the fallback shift.
func (p *Policy) Resolve(name string) Definition {
	if d, ok := p.byName[normalize(name)]; ok {
		return d
	}
	return p.fallback
}

// Shifts returns the configured shifts in declaration order.
func (p *Policy) Shifts() []Definition {
	out := make([]Definition, len(p.order))
	copy(out, p.order)
	return out
}

// WindowFor returns the active check-in and check-out bounds around now.
func (p *Policy) WindowFor(name string, now time.Time) Bounds {
	d := p.Resolve(name)
	b := Bounds{Shift: d.Name}
	b.CheckinStart, b.CheckinEnd = d.Checkin.Active(now)
	b.CheckoutStart, b.CheckoutEnd = d.Checkout.Active(now)
	return b
}

func (p *Policy) IsCheckinAllowed(name string, now time.Time) bool {
	return p.Resolve(name).Checkin.Contains(Of(now))
}

func (p *Policy) IsCheckoutAllowed(name string, now time.Time) bool {
	return p.Resolve(name).Checkout.Contains(Of(now))
}
