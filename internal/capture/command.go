package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"automoth/pkg/logx"
)

// Command runs an external capture tool such as libcamera-still or
// fswebcam. Arguments may use {path}, {width}, {height}, {device} and
// {quality}.
type Command struct {
	cfg  Config
	argv []string
	log  logx.Logger
}

func NewCommand(cfg Config, log logx.Logger) (*Command, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("camera command is empty")
	}
	hasPath := false
	for _, a := range cfg.Command {
		if strings.Contains(a, "{path}") {
			hasPath = true
		}
	}
	if !hasPath {
		return nil, errors.New("camera command must reference {path}")
	}
	return &Command{cfg: cfg.withDefaults(), argv: append([]string(nil), cfg.Command...), log: log}, nil
}

func (c *Command) args(path string) []string {
	r := strings.NewReplacer(
		"{path}", path,
		"{width}", strconv.Itoa(c.cfg.Width),
		"{height}", strconv.Itoa(c.cfg.Height),
		"{device}", strconv.Itoa(c.cfg.Device),
		"{quality}", strconv.Itoa(c.cfg.Quality),
	)
	out := make([]string, len(c.argv))
	for i, a := range c.argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (c *Command) Capture(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	argv := c.args(path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that inherit the output pipe must not hold Run open.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, truncate(out.String(), 512))
	}
	c.log.Trace("capture command done", logx.String("path", path))
	return checkOutput(path)
}

func (c *Command) Close() error { return nil }

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
