//go:build linux

package unit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager talks to the system manager. It is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func Open(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	name = Normalize(name)
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return Status{Name: name, LoadState: "not-found", Active: "unknown", SubState: "not-found"}, nil
		}
		return Status{}, fmt.Errorf("status of %s: %w", name, err)
	}
	st := statusFromProps(name, props, time.Now())
	if st.Found() {
		// MainPID and MemoryCurrent live on the service interface.
		if sp, err := conn.GetUnitTypePropertiesContext(ctx, name, "Service"); err == nil {
			for k, v := range sp {
				if k == "MainPID" || k == "MemoryCurrent" {
					props[k] = v
				}
			}
			st = statusFromProps(name, props, time.Now())
		}
	}
	return st, nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	return m.job(ctx, "start", name, func(c *dbus.Conn, n string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, n, "replace", ch)
	})
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.job(ctx, "stop", name, func(c *dbus.Conn, n string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, n, "replace", ch)
	})
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.job(ctx, "restart", name, func(c *dbus.Conn, n string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, n, "replace", ch)
	})
}

// job enqueues a unit job and waits for its result.
func (m *Manager) job(ctx context.Context, action, name string, run func(*dbus.Conn, string, chan<- string) (int, error)) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	name = Normalize(name)
	ch := make(chan string, 1)
	if _, err := run(conn, name, ch); err != nil {
		return fmt.Errorf("%s %s: %w", action, name, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, name, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, name, ctx.Err())
	}
}
