// Package core wires the request lifecycle, grant controller and their
// collaborators into one unit shared by the HTTP server and the job worker.
package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/org/partnerlock/internal/audit"
	"github.com/org/partnerlock/internal/auth"
	"github.com/org/partnerlock/internal/blocklist"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/grant"
	"github.com/org/partnerlock/internal/lifecycle"
	"github.com/org/partnerlock/internal/notify"
	"github.com/org/partnerlock/internal/partnership"
	"github.com/org/partnerlock/internal/storage"
)

// Options configures a Core.
type Options struct {
	Lifecycle     lifecycle.Options
	Notify        notify.Options
	SweepInterval time.Duration
}

// Core holds every service of a running partnerlock instance.
type Core struct {
	Store        storage.StorageBackend
	Clock        clock.Clock
	Hub          *notify.Hub
	Dispatcher   *notify.Dispatcher
	Audit        *audit.Logger
	Tokens       *auth.TokenService
	Partnerships *partnership.Service
	Grants       *grant.Controller
	Engine       *lifecycle.Engine
	Blocklist    *blocklist.Engine
	Sweeper      *lifecycle.Sweeper

	ready atomic.Bool
}

// New builds a Core on store. Transports beyond the log transport, and a
// durable scheduler or outbox, are registered by the caller before Start.
func New(store storage.StorageBackend, clk clock.Clock, opts Options) *Core {
	c := &Core{
		Store: store,
		Clock: clk,
		Hub:   notify.NewHub(),
	}
	c.Dispatcher = notify.NewDispatcher(store, clk, opts.Notify)
	c.Audit = audit.NewLogger(store, clk)
	c.Tokens = auth.NewTokenService(store, clk)
	c.Partnerships = partnership.NewService(store, clk)
	c.Grants = grant.NewController(store, clk, c.Dispatcher, c.Hub, c.Audit)
	c.Engine = lifecycle.NewEngine(lifecycle.Deps{
		Store:        store,
		Partnerships: c.Partnerships,
		Grants:       c.Grants,
		Notifier:     c.Dispatcher,
		Hub:          c.Hub,
		Audit:        c.Audit,
		Clock:        clk,
	}, opts.Lifecycle)
	c.Grants.OnRevoke(c.Engine.OnGrantRevoked)
	c.Blocklist = blocklist.NewEngine(store, c.Grants, clk)

	interval := opts.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.Sweeper = lifecycle.NewSweeper(c.Engine, c.Grants, store, clk, interval)
	return c
}

// Start restores grant timers, runs one sweep and marks the core ready.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Grants.Restore(ctx); err != nil {
		return fmt.Errorf("restoring grants: %w", err)
	}
	if _, err := c.Sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("initial sweep: %w", err)
	}
	c.ready.Store(true)
	return nil
}

// Ready reports whether Start has completed.
func (c *Core) Ready() bool {
	return c.ready.Load()
}

// Close waits for in-flight notifications and releases the store.
func (c *Core) Close() {
	c.ready.Store(false)
	c.Dispatcher.Wait()
	c.Store.Close()
}
