package scheduling

import (
	"fmt"
	"sort"
	"time"

	"automoth/internal/imaging"
)

type VerdictKind int

const (
	// NoConflict means the candidate overlaps nothing.
	NoConflict VerdictKind = iota
	// WillCancel means accepting the candidate cancels Verdict.Other.
	WillCancel
	// WillBeCancelled means Verdict.Other survives and the candidate would not.
	WillBeCancelled
)

func (k VerdictKind) String() string {
	switch k {
	case WillCancel:
		return "WILL_CANCEL"
	case WillBeCancelled:
		return "WILL_BE_CANCELLED"
	default:
		return "NONE"
	}
}

func (k VerdictKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *VerdictKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NONE":
		*k = NoConflict
	case "WILL_CANCEL":
		*k = WillCancel
	case "WILL_BE_CANCELLED":
		*k = WillBeCancelled
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Occupant is a session holding a slice of time: a pending request or the
// running session.
type Occupant struct {
	RequestCode int64            `json:"request_code,omitempty"`
	SessionID   int64            `json:"session_id,omitempty"`
	Name        string           `json:"name"`
	Start       time.Time        `json:"start"`
	Settings    imaging.Settings `json:"settings"`
	Active      bool             `json:"active,omitempty"`
}

// End returns the end of the occupied interval; ok is false when it is
// unbounded.
func (o Occupant) End() (end time.Time, ok bool) {
	d, bounded := o.Settings.Span(o.Start)
	if !bounded {
		return time.Time{}, false
	}
	return o.Start.Add(d), true
}

func (o Occupant) String() string {
	if o.Active {
		return fmt.Sprintf("active session %q (started %s)", o.Name, o.Start.Format(time.RFC3339))
	}
	return fmt.Sprintf("pending session %q #%d (starts %s)", o.Name, o.RequestCode, o.Start.Format(time.RFC3339))
}

type Verdict struct {
	Kind  VerdictKind `json:"kind"`
	Other Occupant    `json:"other"`
}

// Overlaps reports whether the half-open intervals [start, end) of a and b
// intersect. Unbounded intervals extend forever.
func Overlaps(a, b Occupant) bool {
	aEnd, aOK := a.End()
	bEnd, bOK := b.End()
	aBeforeBEnd := !bOK || a.Start.Before(bEnd)
	bBeforeAEnd := !aOK || b.Start.Before(aEnd)
	return aBeforeBEnd && bBeforeAEnd
}

// Resolve checks candidate against the active session (if any) and the
// pending occupants and reports the first conflict. The active session is
// examined first, then pending ones by ascending start. The earlier start
// wins; an equal start keeps the existing session; the active session
// always wins.
func Resolve(candidate Occupant, active *Occupant, pending []Occupant) Verdict {
	if active != nil && Overlaps(candidate, *active) {
		other := *active
		other.Active = true
		return Verdict{Kind: WillBeCancelled, Other: other}
	}

	sorted := append([]Occupant(nil), pending...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].RequestCode < sorted[j].RequestCode
	})
	for _, other := range sorted {
		if !Overlaps(candidate, other) {
			continue
		}
		if candidate.Start.Before(other.Start) {
			return Verdict{Kind: WillCancel, Other: other}
		}
		return Verdict{Kind: WillBeCancelled, Other: other}
	}
	return Verdict{Kind: NoConflict}
}
