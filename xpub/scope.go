package xpub

import (
	"context"
	"fmt"
	"sync"
)

// Granularity is the level of the address space a sync covers.
type Granularity uint8

const (
	// ScopeAddress is the sync of a single derived address.
	ScopeAddress Granularity = iota

	// ScopeAccount is the discovery of one account branch.
	ScopeAccount

	// ScopeAll is the discovery of every account of the xpub.
	ScopeAll
)

// String returns the granularity name.
func (g Granularity) String() string {
	switch g {
	case ScopeAddress:
		return "address"
	case ScopeAccount:
		return "account"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// Scope identifies a unit of synchronization. At most one sync runs per
// scope at any time.
type Scope struct {
	Granularity Granularity
	Key         string
}

// String returns a printable form of the scope.
func (s Scope) String() string {
	if s.Granularity == ScopeAll {
		return s.Granularity.String()
	}

	return fmt.Sprintf("%v:%v", s.Granularity, s.Key)
}

// call is an in-flight or completed scoped sync.
type call struct {
	done chan struct{}

	// val and err are written before done is closed.
	val interface{}
	err error
}

// scopeGroup deduplicates concurrent syncs of the same scope: the first
// caller runs the sync and every caller arriving while it runs receives the
// same result.
type scopeGroup struct {
	// calls maps a scope to its running sync. Completed syncs are removed
	// from the map.
	calls map[Scope]*call

	// mtx guards calls.
	mtx sync.Mutex
}

// newScopeGroup creates an empty group.
func newScopeGroup() *scopeGroup {
	return &scopeGroup{
		calls: make(map[Scope]*call),
	}
}

// do runs f unless a sync of scope is already running, in which case it
// waits for that sync and returns its result. A waiting caller gives up when
// its ctx is done, the running sync is not affected.
func (g *scopeGroup) do(ctx context.Context, scope Scope,
	f func() (interface{}, error)) (interface{}, error) {

	g.mtx.Lock()
	if c, ok := g.calls[scope]; ok {
		g.mtx.Unlock()

		log.Tracef("Joining in-flight sync of %v", scope)

		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	g.calls[scope] = c
	g.mtx.Unlock()

	defer func() {
		g.mtx.Lock()
		delete(g.calls, scope)
		g.mtx.Unlock()

		close(c.done)
	}()

	c.val, c.err = f()

	return c.val, c.err
}

// waitIdle blocks until no sync of scope is running.
func (g *scopeGroup) waitIdle(ctx context.Context, scope Scope) error {
	for {
		g.mtx.Lock()
		c, ok := g.calls[scope]
		g.mtx.Unlock()

		if !ok {
			return nil
		}

		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// inFlight reports whether a sync of scope is running.
func (g *scopeGroup) inFlight(scope Scope) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	_, ok := g.calls[scope]

	return ok
}

// doScope is a typed wrapper around scopeGroup.do.
func doScope[T any](ctx context.Context, g *scopeGroup, scope Scope,
	f func() (T, error)) (T, error) {

	val, err := g.do(ctx, scope, func() (interface{}, error) {
		return f()
	})
	typed, _ := val.(T)

	return typed, err
}
