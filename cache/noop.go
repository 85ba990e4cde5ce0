package cache

import (
	"context"
	"time"
)

// noopBackend never stores anything. It stands in when caching is
// disabled or a real backend failed to initialize, so the Manager always
// has a working backend and callers never special-case "no cache".
type noopBackend struct{}

var _ Backend = (*noopBackend)(nil)

func (noopBackend) Get(context.Context, string) (*Entry, error) { return nil, nil }

func (noopBackend) Set(context.Context, string, *Entry, time.Duration) error { return nil }

func (noopBackend) Delete(context.Context, string) (bool, error) { return true, nil }

func (noopBackend) Clear(context.Context) error { return nil }

func (noopBackend) Exists(context.Context, string) (bool, error) { return false, nil }

func (noopBackend) Close() error { return nil }
