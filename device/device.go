// Package device provides the execution context a training run computes on.
//
// A Context is created once per run and passed explicitly to the trainer. The
// trainer acquires it around each epoch and releases it afterwards, which runs
// every registered release hook and returns freed heap to the OS to bound peak
// residency between epochs.
package device

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/braintriage/logging"
)

// Type identifies a compute device.
type Type int

const (
	CPU Type = iota
)

func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Info describes the host the context runs on.
type Info struct {
	Device        Type
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %d cores / %d threads, avx2=%t)",
		i.Device, i.Brand, i.PhysicalCores, i.LogicalCores, i.AVX2)
}

// Context is an explicitly passed execution-context handle.
type Context struct {
	info   Info
	logger *zap.Logger

	mu       sync.Mutex
	active   bool
	acquires int
	hooks    []func()
}

// Detect returns a context for the named device. "", "auto" and "cpu" select
// the CPU; accelerators are not available in this build.
func Detect(name string, logger *zap.Logger) (*Context, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cpu":
	default:
		return nil, errors.Errorf("device %q is not available, use cpu", name)
	}

	info := Info{
		Device:        CPU,
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.PhysicalCores <= 0 {
		info.PhysicalCores = info.LogicalCores
	}

	ctx := &Context{info: info, logger: logging.OrNop(logger)}
	ctx.logger.Info("execution context ready", zap.Stringer("device", info))
	return ctx, nil
}

// Info returns the host description.
func (c *Context) Info() Info {
	return c.info
}

// Workers suggests a background worker count for data loading.
func (c *Context) Workers() int {
	if c.info.PhysicalCores > 1 {
		return c.info.PhysicalCores - 1
	}
	return 1
}

// OnRelease registers fn to run on every Release, in registration order.
func (c *Context) OnRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Acquire marks the start of a scope. Scopes do not nest.
func (c *Context) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return errors.New("execution context already acquired")
	}
	c.active = true
	c.acquires++
	return nil
}

// Release ends the current scope and frees scope-local resources. Releasing
// an idle context is a no-op.
func (c *Context) Release() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	debug.FreeOSMemory()
}

// Scope runs fn between Acquire and Release. Release runs even when fn fails.
func (c *Context) Scope(fn func() error) error {
	if err := c.Acquire(); err != nil {
		return err
	}
	defer c.Release()
	return fn()
}

// Active reports whether a scope is open.
func (c *Context) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Acquires returns how many scopes have been opened.
func (c *Context) Acquires() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires
}
