// Package capture provides camera drivers that write one JPEG per call.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"automoth/pkg/logx"
)

// Camera writes a single image to path. Implementations are safe for
// sequential use; sessions never call Capture concurrently.
type Camera interface {
	Capture(ctx context.Context, path string) error
	Close() error
}

type Config struct {
	Driver  string   // command | test | gocv
	Command []string // argv for the command driver
	Device  int
	Width   int
	Height  int
	Timeout time.Duration
	Quality int // JPEG quality, 1..100
}

var ErrEmptyImage = errors.New("camera produced no image")

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 90
	}
	return c
}

// Open returns the camera selected by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Camera, error) {
	cfg = cfg.withDefaults()
	log = log.Component("camera")
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "command":
		return NewCommand(cfg, log)
	case "", "test":
		return NewTestPattern(cfg), nil
	case "gocv":
		return openGoCV(cfg, log)
	default:
		return nil, fmt.Errorf("unknown camera driver %q", cfg.Driver)
	}
}

// checkOutput verifies that path holds a non-empty file.
func checkOutput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	if fi.Size() == 0 {
		_ = os.Remove(path)
		return ErrEmptyImage
	}
	return nil
}

// writeAtomic writes via a temp file in the target directory so readers
// never see a partial image.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
