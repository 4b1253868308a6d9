package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"automoth/internal/api"
	"automoth/internal/capture"
	"automoth/internal/config"
	"automoth/internal/imaging"
	"automoth/internal/location"
	"automoth/internal/notifier"
	"automoth/internal/storage"
	"automoth/internal/task/engine"
	"automoth/internal/task/scheduler"
	"automoth/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Remote.Enabled,
			MinLevel:   cfg.Logging.Remote.MinLevel,
			RatePerSec: cfg.Logging.Remote.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapCameraConfig(cfg *config.Config) (capture.Config, error) {
	timeout, err := config.ParseDurationOrDefault("camera.timeout", cfg.Camera.Timeout, 30*time.Second)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Driver:  cfg.Camera.Driver,
		Command: cfg.Camera.Command,
		Device:  cfg.Camera.Device,
		Width:   cfg.Camera.Width,
		Height:  cfg.Camera.Height,
		Timeout: timeout,
		Quality: cfg.Camera.Quality,
	}, nil
}

func mapLocationConfig(cfg *config.Config) (location.Config, error) {
	timeout, err := config.ParseDurationOrDefault("location.timeout", cfg.Location.Timeout, 10*time.Second)
	if err != nil {
		return location.Config{}, err
	}
	return location.Config{
		Driver:    cfg.Location.Driver,
		Latitude:  cfg.Location.Latitude,
		Longitude: cfg.Location.Longitude,
		Timeout:   timeout,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg.TaskEngine.QueueSize < 0 {
		return engine.Config{}, errors.New("task_engine.queue_size must be >= 0")
	}
	if cfg.TaskEngine.HistorySize < 0 {
		return engine.Config{}, errors.New("task_engine.history_size must be >= 0")
	}
	if cfg.TaskEngine.RetryMax < 0 {
		return engine.Config{}, errors.New("task_engine.retry_max must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		QueueSize:      cfg.TaskEngine.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.TaskEngine.HistorySize,
		RetryMax:       cfg.TaskEngine.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	window, err := config.ParseDurationOrDefault("scheduler.inexact_window", cfg.Scheduler.InexactWindow, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), InexactWindow: window}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       cfg.API.Enabled,
		Addr:          cfg.API.Addr,
		Token:         strings.TrimSpace(cfg.API.Token),
		AllowInsecure: cfg.API.AllowInsecure,
		Pprof:         cfg.API.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg.Notifier == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled:     cfg.Notifier.Enabled,
		RatePerSec:  cfg.Notifier.RatePerSec,
		RetryMax:    3,
		DedupWindow: 30 * time.Second,
		Events:      cfg.Notifier.Events,
	}
}

// mapFallbackSettings builds the imaging settings used until a defaults
// file has been saved. The auto-stop value is read according to the mode:
// an image count, a duration or an RFC 3339 time.
func mapFallbackSettings(cfg *config.Config) (imaging.Settings, error) {
	s := imaging.DefaultSettings()
	if raw := strings.TrimSpace(cfg.Imaging.Interval); raw != "" {
		d, err := config.ParseDurationField("imaging.interval", raw)
		if err != nil {
			return imaging.Settings{}, err
		}
		s.Interval = d
	}
	mode, err := imaging.ParseAutoStopMode(cfg.Imaging.AutoStopMode)
	if err != nil {
		return imaging.Settings{}, fmt.Errorf("imaging.auto_stop_mode: %w", err)
	}
	s.Mode = mode

	raw := strings.TrimSpace(cfg.Imaging.AutoStopValue)
	if mode != imaging.StopOff && raw == "" {
		return imaging.Settings{}, fmt.Errorf("imaging.auto_stop_value: required for mode %s", mode)
	}
	switch mode {
	case imaging.StopAfterCount:
		if s.Count, err = strconv.Atoi(raw); err != nil {
			return imaging.Settings{}, fmt.Errorf("imaging.auto_stop_value: %w", err)
		}
	case imaging.StopAfterTime:
		if s.Elapsed, err = time.ParseDuration(raw); err != nil {
			return imaging.Settings{}, fmt.Errorf("imaging.auto_stop_value: %w", err)
		}
	case imaging.StopAtDeadline:
		if s.Deadline, err = time.Parse(time.RFC3339, raw); err != nil {
			return imaging.Settings{}, fmt.Errorf("imaging.auto_stop_value: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return imaging.Settings{}, fmt.Errorf("imaging: %w", err)
	}
	return s, nil
}

// validateConfig runs every mapping so a reload that cannot be applied is
// rejected before it is committed.
func validateConfig(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	collect(err)
	_, err = mapCameraConfig(cfg)
	collect(err)
	_, err = mapLocationConfig(cfg)
	collect(err)
	_, err = mapTaskEngineConfig(cfg)
	collect(err)
	_, err = mapSchedulerConfig(cfg)
	collect(err)
	_, err = mapAPIConfig(cfg)
	collect(err)
	_, err = mapFallbackSettings(cfg)
	collect(err)
	return errors.Join(errs...)
}
