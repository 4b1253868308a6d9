package scheduling

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"automoth/internal/imaging"
)

var t0 = time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)

// span builds settings whose occupied interval is d seconds long.
func span(d int) imaging.Settings {
	return imaging.Settings{Interval: time.Second, Mode: imaging.StopAfterTime, Elapsed: time.Duration(d) * time.Second}
}

func occ(code int64, startSec, lenSec int) Occupant {
	return Occupant{RequestCode: code, Name: "s", Start: t0.Add(time.Duration(startSec) * time.Second), Settings: span(lenSec)}
}

func unbounded(code int64, startSec int) Occupant {
	return Occupant{RequestCode: code, Start: t0.Add(time.Duration(startSec) * time.Second),
		Settings: imaging.Settings{Interval: time.Second, Mode: imaging.StopOff}}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	a := occ(1, 0, 100)
	b := occ(2, 50, 100)
	active := occ(0, 0, 100)

	cases := []struct {
		name    string
		cand    Occupant
		active  *Occupant
		pending []Occupant
		kind    VerdictKind
		other   int64
	}{
		{"later overlapping loses", b, nil, []Occupant{a}, WillBeCancelled, 1},
		{"earlier overlapping wins", a, nil, []Occupant{b}, WillCancel, 2},
		{"touching boundary", occ(0, 100, 10), nil, []Occupant{a}, NoConflict, 0},
		{"equal start keeps existing", occ(0, 0, 10), nil, []Occupant{a}, WillBeCancelled, 1},
		{"off pending swallows later", occ(0, 1000, 10), nil, []Occupant{unbounded(3, 0)}, WillBeCancelled, 3},
		{"off candidate cancels later", unbounded(0, 0), nil, []Occupant{occ(4, 5000, 10)}, WillCancel, 4},
		{"off pending after candidate", occ(0, 0, 10), nil, []Occupant{unbounded(5, 10)}, NoConflict, 0},
		{"active wins even when later", occ(0, -10, 30), &active, nil, WillBeCancelled, 0},
		{"active checked first", occ(0, 60, 10), &active, []Occupant{occ(6, 55, 10)}, WillBeCancelled, 0},
		{"nearest by start", occ(0, 0, 1000), nil, []Occupant{occ(8, 500, 10), occ(7, 200, 10)}, WillCancel, 7},
		{"no occupants", a, nil, nil, NoConflict, 0},
	}
	for _, tc := range cases {
		v := Resolve(tc.cand, tc.active, tc.pending)
		if v.Kind != tc.kind {
			t.Errorf("%s: kind = %v, want %v", tc.name, v.Kind, tc.kind)
			continue
		}
		if v.Kind != NoConflict && v.Other.RequestCode != tc.other {
			t.Errorf("%s: other = %d, want %d", tc.name, v.Other.RequestCode, tc.other)
		}
		if tc.active != nil && v.Kind == WillBeCancelled && tc.other == 0 && !v.Other.Active {
			t.Errorf("%s: expected active occupant", tc.name)
		}
	}
}

func TestResolveDeadlineInPast(t *testing.T) {
	t.Parallel()
	past := Occupant{RequestCode: 9, Start: t0, Settings: imaging.Settings{
		Interval: time.Second, Mode: imaging.StopAtDeadline, Deadline: t0.Add(-time.Hour),
	}}
	if v := Resolve(occ(0, 0, 10), nil, []Occupant{past}); v.Kind != NoConflict {
		t.Fatalf("empty interval conflicted: %+v", v)
	}
}

func genOccupant(t *rapid.T, label string) Occupant {
	code := rapid.Int64Range(1, 1_000_000).Draw(t, label+"code")
	start := rapid.IntRange(-1000, 1000).Draw(t, label+"start")
	if rapid.Bool().Draw(t, label+"off") {
		return unbounded(code, start)
	}
	return occ(code, start, rapid.IntRange(1, 500).Draw(t, label+"len"))
}

func TestResolveProperties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		a := genOccupant(t, "a")
		b := genOccupant(t, "b")
		b.RequestCode = a.RequestCode + 1

		va := Resolve(a, nil, []Occupant{b})
		vb := Resolve(b, nil, []Occupant{a})

		// Overlap is symmetric, and so is the presence of a verdict.
		if (va.Kind == NoConflict) != (vb.Kind == NoConflict) {
			t.Fatalf("asymmetric: %v vs %v", va.Kind, vb.Kind)
		}
		if va.Kind == NoConflict {
			return
		}
		// Never both directions of cancellation against the same pair.
		if va.Kind == vb.Kind && !a.Start.Equal(b.Start) {
			t.Fatalf("both %v", va.Kind)
		}
		// The earlier start survives.
		if a.Start.Before(b.Start) && va.Kind != WillCancel {
			t.Fatalf("earlier candidate got %v", va.Kind)
		}
		if a.Start.After(b.Start) && va.Kind != WillBeCancelled {
			t.Fatalf("later candidate got %v", va.Kind)
		}
	})
}

func TestResolveActiveAlwaysWins(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		cand := genOccupant(t, "c")
		active := genOccupant(t, "a")
		v := Resolve(cand, &active, nil)
		if v.Kind == WillCancel {
			t.Fatalf("candidate preempted active session")
		}
		if v.Kind == WillBeCancelled && !v.Other.Active {
			t.Fatalf("active occupant not flagged")
		}
	})
}
