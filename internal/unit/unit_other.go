//go:build !linux

package unit

import "context"

type Manager struct{}

func Open(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (*Manager) Close() error { return nil }

func (*Manager) Status(context.Context, string) (Status, error) { return Status{}, ErrUnsupported }

func (*Manager) Start(context.Context, string) error { return ErrUnsupported }

func (*Manager) Stop(context.Context, string) error { return ErrUnsupported }

func (*Manager) Restart(context.Context, string) error { return ErrUnsupported }
