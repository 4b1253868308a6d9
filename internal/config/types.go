package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"automoth/internal/task/scheduler"
)

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted
// sections fall back to the defaults applied by Normalize.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Camera     CameraConfig     `json:"camera"`
	Location   LocationConfig   `json:"location"`
	Imaging    ImagingConfig    `json:"imaging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	API        APIConfig        `json:"api"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	// Remote forwards warnings to the notifier chat.
	Remote struct {
		Enabled    bool   `json:"enabled"`
		MinLevel   string `json:"min_level"`
		RatePerSec int    `json:"rate_per_sec"`
	} `json:"remote"`
}

// StorageConfig selects the session index database and the root
// directory holding per-session image folders.
//
// Driver:
//   - "sqlite" (default): modernc.org/sqlite, pure Go
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Root        string `json:"root"`
}

// CameraConfig selects the capture device.
//
// Driver:
//   - "command": run Command with {path} substituted (libcamera-still, fswebcam, ...)
//   - "test": synthetic JPEG frames
//   - "gocv": OpenCV VideoCapture on Device (binary built with -tags gocv)
type CameraConfig struct {
	Driver  string   `json:"driver"`
	Command []string `json:"command,omitempty"`
	Device  int      `json:"device,omitempty"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	Quality int      `json:"quality,omitempty"`
}

// LocationConfig selects the location source.
//
// Driver: "none" (default) or "static".
type LocationConfig struct {
	Driver    string  `json:"driver"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Timeout   string  `json:"timeout,omitempty"`
}

// ImagingConfig holds the fallback imaging settings used when no
// defaults file exists yet.
type ImagingConfig struct {
	DefaultsPath       string `json:"defaults_path"`
	Interval           string `json:"interval,omitempty"`
	AutoStopMode       string `json:"auto_stop_mode,omitempty"`
	AutoStopValue      string `json:"auto_stop_value,omitempty"`
	EstimatedImageSize int64  `json:"estimated_image_size,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// ReconcileEvery runs the pending-session sweep periodically in
	// addition to startup. It takes a duration or a cron spec; "off" or
	// "0" disables the periodic sweep.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
	// InexactWindow is how late a non-exact timer may fire.
	InexactWindow string `json:"inexact_window,omitempty"`
}

const defaultReconcileEvery = "1m"

// ReconcileSchedule returns the sweep schedule and whether it is enabled.
func (c SchedulerConfig) ReconcileSchedule() (string, bool, error) {
	raw := strings.TrimSpace(c.ReconcileEvery)
	switch strings.ToLower(raw) {
	case "":
		return defaultReconcileEvery, true, nil
	case "off", "0", "0s":
		return "", false, nil
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return "", false, err
	}
	return raw, true, nil
}

type TaskEngineConfig struct {
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// APIConfig controls the local control API used by the CLI.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// NotifierConfig enables Telegram notifications of session events.
type NotifierConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token"`
	ChatID     int64    `json:"chat_id"`
	ThreadID   int      `json:"thread_id,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	Events     []string `json:"events,omitempty"`
}

const (
	DefaultAPIAddr      = "127.0.0.1:8765"
	DefaultStoragePath  = "./automoth.db"
	DefaultStorageRoot  = "./sessions"
	DefaultDefaultsPath = "./imaging_defaults.json"
)

// Normalize fills defaults in place. It never fails; Validate reports
// values that cannot be used.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		c.Storage.Root = DefaultStorageRoot
	}
	if strings.TrimSpace(c.Camera.Driver) == "" {
		c.Camera.Driver = "test"
	}
	if strings.TrimSpace(c.Location.Driver) == "" {
		c.Location.Driver = "none"
	}
	if strings.TrimSpace(c.Imaging.DefaultsPath) == "" {
		c.Imaging.DefaultsPath = DefaultDefaultsPath
	}
	if c.Imaging.EstimatedImageSize <= 0 {
		c.Imaging.EstimatedImageSize = 2 << 20
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = DefaultAPIAddr
	}
}

// Validate checks fields that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Camera.Driver)) {
	case "command":
		if len(c.Camera.Command) == 0 {
			errs = append(errs, errors.New("camera.command: required for driver \"command\""))
		}
	case "test", "gocv":
	default:
		errs = append(errs, fmt.Errorf("camera.driver: unsupported %q", c.Camera.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Location.Driver)) {
	case "none":
	case "static":
		if math.Abs(c.Location.Latitude) > 90 {
			errs = append(errs, fmt.Errorf("location.latitude: %v out of range", c.Location.Latitude))
		}
		if math.Abs(c.Location.Longitude) > 180 {
			errs = append(errs, fmt.Errorf("location.longitude: %v out of range", c.Location.Longitude))
		}
	default:
		errs = append(errs, fmt.Errorf("location.driver: unsupported %q", c.Location.Driver))
	}

	durations := map[string]string{
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"camera.timeout":              c.Camera.Timeout,
		"location.timeout":            c.Location.Timeout,
		"imaging.interval":            c.Imaging.Interval,
		"scheduler.inexact_window":    c.Scheduler.InexactWindow,
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"api.read_timeout":            c.API.ReadTimeout,
		"api.write_timeout":           c.API.WriteTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, _, err := c.Scheduler.ReconcileSchedule(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.reconcile_every: %w", err))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Notifier != nil && c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.Token) == "" {
			errs = append(errs, errors.New("notifier.token: required when enabled"))
		}
		if c.Notifier.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id: required when enabled"))
		}
	}
	return errors.Join(errs...)
}
