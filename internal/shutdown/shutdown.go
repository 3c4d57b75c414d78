// Package shutdown coordinates graceful teardown: the HTTP server
// stops taking requests first, then the scheduler, and the databases
// close last so in-flight loads and queries can finish.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component that can be shut down.
type Closer interface {
	Close() error
}

// Hook is a cleanup function run during shutdown.
type Hook func(ctx context.Context) error

// Suggested priorities; lower shuts down first.
const (
	PriorityHTTPServer = 10 // stop accepting requests first
	PriorityScheduler  = 20 // no new reloads
	PriorityCache      = 30
	PriorityCatalog    = 80
	PriorityDatabase   = 90 // database connections last
)

type entry struct {
	name     string
	hook     Hook
	priority int
}

// Coordinator runs registered shutdown hooks in priority order with a
// global timeout.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	entries []entry

	once        sync.Once
	triggerOnce sync.Once
	done        chan struct{}
}

// New creates a shutdown coordinator.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup hook. Lower priority runs first.
func (c *Coordinator) Register(name string, priority int, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry{name: name, hook: hook, priority: priority})
	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown hook")
}

// RegisterCloser adds a Closer as a hook.
func (c *Coordinator) RegisterCloser(name string, priority int, closer Closer) {
	c.Register(name, priority, func(context.Context) error {
		return closer.Close()
	})
}

// WaitForSignal blocks until SIGINT/SIGTERM or a programmatic trigger.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.done:
		return syscall.SIGTERM
	}
}

// Trigger initiates shutdown programmatically. Safe to call from any
// goroutine, any number of times.
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.done)
	})
}

// Shutdown runs every hook in priority order. The first error is
// returned but later hooks still run, unless the timeout expires.
func (c *Coordinator) Shutdown() error {
	var shutdownErr error

	c.once.Do(func() {
		c.triggerOnce.Do(func() { close(c.done) })

		c.mu.Lock()
		entries := make([]entry, len(c.entries))
		copy(entries, c.entries)
		c.mu.Unlock()

		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].priority < entries[j].priority
		})

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("hooks", len(entries)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		for _, e := range entries {
			select {
			case <-ctx.Done():
				c.logger.Warn().
					Str("hook", e.name).
					Msg("Shutdown timeout reached, skipping remaining hooks")
				shutdownErr = ctx.Err()
				return
			default:
			}

			if err := e.hook(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("hook", e.name).
					Msg("Shutdown hook failed")
				if shutdownErr == nil {
					shutdownErr = err
				}
			} else {
				c.logger.Debug().Str("hook", e.name).Msg("Shutdown hook complete")
			}
		}

		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return shutdownErr
}
