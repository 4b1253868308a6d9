package unit

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                 DefaultName,
		"automoth":         "automoth.service",
		" moth ":           "moth.service",
		"automoth.service": "automoth.service",
		"capture.timer":    "capture.timer",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusFromProps(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Minute)

	st := statusFromProps("automoth.service", map[string]any{
		"Description":          "AutoMoth capture daemon",
		"LoadState":            "loaded",
		"ActiveState":          "active",
		"SubState":             "running",
		"MainPID":              uint32(4242),
		"MemoryCurrent":        uint64(24 << 20),
		"ActiveEnterTimestamp": uint64(started.UnixMicro()),
	}, now)
	if st.Uptime != 90*time.Minute || st.MainPID != 4242 || st.Memory != 24<<20 {
		t.Fatalf("status = %+v", st)
	}
	if s := st.String(); !strings.Contains(s, "active (running)") || !strings.Contains(s, "pid=4242") {
		t.Fatalf("String() = %q", s)
	}

	off := statusFromProps("automoth.service", map[string]any{
		"LoadState":     "loaded",
		"ActiveState":   "inactive",
		"SubState":      "dead",
		"MemoryCurrent": ^uint64(0),
	}, now)
	if off.Memory != 0 || off.Uptime != 0 {
		t.Fatalf("inactive status = %+v", off)
	}

	missing := statusFromProps("nope.service", map[string]any{"LoadState": "not-found"}, now)
	if missing.Found() || !strings.Contains(missing.String(), "not installed") {
		t.Fatalf("missing status = %+v", missing)
	}
}
