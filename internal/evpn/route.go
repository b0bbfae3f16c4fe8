package evpn

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Source identifies where a route was learned.
type Source uint8

const (
	SourceUndefined Source = iota
	SourceBGP
	SourceFPM
	SourceStatic
)

var sourceNames = map[Source]string{
	SourceUndefined: "UNDEFINED",
	SourceBGP:       "BGP",
	SourceFPM:       "FPM",
	SourceStatic:    "STATIC",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// ParseSource is case-insensitive. An empty string maps to SourceUndefined.
func ParseSource(s string) (Source, error) {
	if s == "" {
		return SourceUndefined, nil
	}
	for src, name := range sourceNames {
		if strings.EqualFold(s, name) {
			return src, nil
		}
	}
	return SourceUndefined, fmt.Errorf("evpn: unknown route source %q", s)
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Prefix is the primary key of the route table.
type Prefix struct {
	RD  RouteDistinguisher
	MAC MAC
}

func (p Prefix) String() string {
	return p.RD.String() + "/" + p.MAC.String()
}

// NextHop is the secondary index key. Several routes may share one.
type NextHop struct {
	Addr  netip.Addr
	RT    RouteTarget
	Label Label
}

func (nh NextHop) String() string {
	return fmt.Sprintf("%s rt %s label %d", nh.Addr, nh.RT, nh.Label)
}

// Route is a MAC reachability record. Routes are plain values and compare
// with ==, every field taking part.
type Route struct {
	Source  Source             `json:"source"`
	MAC     MAC                `json:"mac"`
	NextHop netip.Addr         `json:"next_hop"`
	RD      RouteDistinguisher `json:"rd"`
	RT      RouteTarget        `json:"rt"`
	Label   Label              `json:"label"`
}

func (r Route) Prefix() Prefix {
	return Prefix{RD: r.RD, MAC: r.MAC}
}

func (r Route) NextHopKey() NextHop {
	return NextHop{Addr: r.NextHop, RT: r.RT, Label: r.Label}
}

// Validate checks the fields a route needs before it can be stored or
// advertised.
func (r Route) Validate() error {
	var errs []error
	if !r.NextHop.IsValid() || !r.NextHop.Is4() {
		errs = append(errs, fmt.Errorf("next hop %v is not an IPv4 address", r.NextHop))
	}
	if r.RT.IsZero() {
		errs = append(errs, errors.New("route target is required"))
	}
	if r.Label > MaxLabel {
		errs = append(errs, fmt.Errorf("label %d does not fit in 24 bits", r.Label))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("evpn: invalid route %s: %w", r.Prefix(), err)
	}
	return nil
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s (%s)", r.Prefix(), r.NextHopKey(), r.Source)
}

// EventType is the closed set of route table transitions.
type EventType uint8

const (
	RouteAdded EventType = iota + 1
	RouteUpdated
	RouteRemoved
)

func (t EventType) String() string {
	switch t {
	case RouteAdded:
		return "ROUTE_ADDED"
	case RouteUpdated:
		return "ROUTE_UPDATED"
	case RouteRemoved:
		return "ROUTE_REMOVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a single route table transition.
type Event struct {
	Type  EventType `json:"type"`
	Route Route     `json:"route"`
	Time  time.Time `json:"time"`
}

func NewEvent(t EventType, r Route) Event {
	return Event{Type: t, Route: r, Time: time.Now()}
}
