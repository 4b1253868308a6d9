// Package unit controls the daemon's own systemd unit over D-Bus, for
// the CLI's service subcommands.
package unit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultName is the unit installed for the daemon.
const DefaultName = "automoth.service"

var ErrUnsupported = errors.New("unit: systemd control is only available on linux")

// Status is a snapshot of a unit.
type Status struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	LoadState   string        `json:"load_state"`
	Active      string        `json:"active"`
	SubState    string        `json:"sub_state"`
	MainPID     uint32        `json:"main_pid,omitempty"`
	Memory      uint64        `json:"memory,omitempty"`
	ActiveSince time.Time     `json:"active_since,omitzero"`
	Uptime      time.Duration `json:"uptime,omitempty"`
}

func (s Status) Found() bool { return s.LoadState != "not-found" }

func (s Status) String() string {
	if !s.Found() {
		return fmt.Sprintf("%s: not installed", s.Name)
	}
	out := fmt.Sprintf("%s: %s (%s)", s.Name, s.Active, s.SubState)
	if s.MainPID > 0 {
		out += fmt.Sprintf(" pid=%d", s.MainPID)
	}
	if s.Uptime > 0 {
		out += " up " + s.Uptime.Truncate(time.Second).String()
	}
	if s.Memory > 0 {
		out += fmt.Sprintf(" mem=%.1fMiB", float64(s.Memory)/(1<<20))
	}
	return out
}

// Normalize appends ".service" to a bare unit name.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func parseTimestamp(props map[string]any, key string) time.Time {
	// systemd timestamps are microseconds since the Unix epoch.
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// statusFromProps builds a Status from a unit property map.
func statusFromProps(name string, props map[string]any, now time.Time) Status {
	st := Status{
		Name:        name,
		Description: stringProp(props, "Description"),
		LoadState:   stringProp(props, "LoadState"),
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
	}
	if st.LoadState == "not-found" {
		st.Active, st.SubState = "unknown", "not-found"
		return st
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 && mem != ^uint64(0) {
		st.Memory = mem
	}
	if st.Active == "active" {
		st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
		if !st.ActiveSince.IsZero() {
			st.Uptime = now.Sub(st.ActiveSince)
		}
	}
	return st
}

func isNoSuchUnit(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NoSuchUnit") || strings.Contains(err.Error(), "not-found"))
}
