// Package system wires all runtime components together and runs the
// cooperative processing loop. It acts as the motherboard: every
// collaborator is constructed here and handed to the others
// explicitly.
package system

import (
	"context"
	"fmt"
	"os"
	"time"

	"devicenerd/internal/arena"
	"devicenerd/internal/audit"
	"devicenerd/internal/automation"
	"devicenerd/internal/config"
	"devicenerd/internal/eventbus"
	"devicenerd/internal/execctx"
	"devicenerd/internal/kvstore"
	"devicenerd/internal/logging"
	"devicenerd/internal/scripthost"
	"devicenerd/internal/tools"
	"devicenerd/internal/transport"
	"devicenerd/internal/vm"
)

// Per-tick batch limits. Remaining work carries over to the next tick.
const (
	maxRequestsPerTick = 16
	maxEventsPerTick   = 32
)

// Default arena region sizes, tuned for a small device image.
var defaultRegions = []arena.RegionConfig{
	{Type: arena.RegionStatic, Size: 64 * 1024},
	{Type: arena.RegionDynamic, Size: 128 * 1024},
	{Type: arena.RegionTool, Size: 64 * 1024},
	{Type: arena.RegionResource, Size: 32 * 1024},
	{Type: arena.RegionSystem, Size: 32 * 1024},
}

// Kernel owns the processing loop and all singletons. All mutation
// flows through Process on a single goroutine; transports only enqueue.
type Kernel struct {
	cfg      *config.Config
	store    *kvstore.Store
	arena    *arena.Arena
	vm       *vm.Manager
	bus      *eventbus.Bus
	registry *tools.Registry
	engine   *automation.Engine
	scripts  *scripthost.Host
	audit    *audit.Store
	queue    *transport.Queue

	bootAt time.Time
	log    *logging.Logger
}

// Boot constructs and wires the full stack from a configuration:
// arenas, persistent store, VM manager, script host, event bus, tool
// registry, automation engine, and the audit store when enabled. The
// store is loaded, persisted tools and rules are restored, and builtin
// tools are registered.
func Boot(cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Get(logging.CategoryBoot)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("system: create data dir: %w", err)
		}
	}

	ar, err := arena.Init(defaultRegions)
	if err != nil {
		return nil, fmt.Errorf("system: arena init: %w", err)
	}

	// No data dir and no explicit image path means a RAM-only store.
	storePath := ""
	if cfg.Store.Path != "" || cfg.DataDir != "" {
		storePath = cfg.StorePath()
	}
	store, err := kvstore.Open(kvstore.Config{
		Path:        storePath,
		Size:        cfg.Store.Size,
		Compression: cfg.Store.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("system: open store: %w", err)
	}

	vmm := vm.NewManager(func() int {
		_, total, err := ar.FreeSpace(arena.RegionDynamic)
		if err != nil {
			return 0
		}
		return total
	})
	vmm.SetConfig(cfg.VM)

	scripts := scripthost.New(time.Duration(cfg.Script.TimeoutMs) * time.Millisecond)
	bus := eventbus.New(0, 0)

	opts := tools.Options{
		Store:   store,
		VM:      vmm,
		Scripts: scripts,
		Arena:   ar,
	}
	var auditStore *audit.Store
	if cfg.Audit.Enabled && cfg.DataDir != "" {
		auditStore, err = audit.Open(cfg.AuditPath())
		if err != nil {
			log.Warn("audit store unavailable, continuing without: %v", err)
		} else {
			opts.Audit = auditStore
		}
	}
	registry := tools.New(opts)

	engine, err := automation.New(automation.Options{
		Invoker: registry,
		Bus:     bus,
		Store:   store,
	})
	if err != nil {
		return nil, fmt.Errorf("system: automation engine: %w", err)
	}

	k := &Kernel{
		cfg:      cfg,
		store:    store,
		arena:    ar,
		vm:       vmm,
		bus:      bus,
		registry: registry,
		engine:   engine,
		scripts:  scripts,
		audit:    auditStore,
		queue:    transport.NewQueue(0),
		bootAt:   time.Now(),
		log:      log,
	}
	k.registerBuiltins()

	if n, err := registry.LoadAllDynamic(); err != nil {
		log.Warn("loading dynamic tools: %v", err)
	} else if n > 0 {
		log.Info("restored %d dynamic tool(s)", n)
	}
	if n, err := engine.LoadAllRules(); err != nil {
		log.Warn("loading rules: %v", err)
	} else if n > 0 {
		log.Info("restored %d rule(s)", n)
	}

	log.Info("%s %s booted, store %d bytes, %d tools",
		cfg.Device.Name, cfg.Device.FirmwareVersion, cfg.Store.Size, registry.Count())
	return k, nil
}

// Queue is the hand-off transports enqueue requests into.
func (k *Kernel) Queue() *transport.Queue { return k.queue }

// Registry exposes the tool registry for direct (in-process) dispatch.
func (k *Kernel) Registry() *tools.Registry { return k.registry }

// Engine exposes the automation engine.
func (k *Kernel) Engine() *automation.Engine { return k.engine }

// Store exposes the persistent store.
func (k *Kernel) Store() *kvstore.Store { return k.store }

// Bus exposes the event bus. Publishing is only safe from the
// processing goroutine or tool handlers it invokes.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// Globals is the variable pool rule conditions evaluate against.
func (k *Kernel) Globals() *execctx.Context { return k.engine.Globals() }

// Process runs one cooperative tick: drain queued transport requests,
// deliver pending events, then evaluate automation rules. Returns the
// number of requests dispatched.
func (k *Kernel) Process(now time.Time) int {
	n := k.queue.Drain(maxRequestsPerTick, func(req transport.Request) {
		res := k.registry.Execute(req.Raw)
		if req.Reply != nil {
			_ = req.Reply(res)
		}
	})
	k.bus.Process(maxEventsPerTick)
	k.engine.Process(now.UnixMilli())
	return n
}

// Run ticks Process at the configured interval until the context is
// cancelled. A final tick drains any requests still queued.
func (k *Kernel) Run(ctx context.Context) error {
	interval := time.Duration(k.cfg.Automation.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.log.Info("kernel loop running, tick %s", interval)
	for {
		select {
		case <-ctx.Done():
			k.Process(time.Now())
			return nil
		case now := <-ticker.C:
			k.Process(now)
		}
	}
}

// ApplyConfig adjusts the live-tunable parts of the configuration:
// logging enablement and VM quotas. Structural settings (store size,
// transports) require a restart and are ignored here.
func (k *Kernel) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	logDir := ""
	if cfg.DataDir != "" {
		logDir = cfg.LogDir()
	}
	if err := logging.Initialize(logging.Options{
		Debug:      cfg.Logging.Debug,
		Categories: cfg.Logging.Categories,
		LogDir:     logDir,
		Console:    cfg.Logging.Console,
	}); err != nil {
		k.log.Warn("logging reconfiguration failed: %v", err)
	}
	applied := k.vm.SetConfig(cfg.VM)
	k.log.Info("configuration applied, vm limits: stack=%d bytecode=%d time=%dms mem=%d",
		applied.MaxStackSize, applied.MaxBytecodeSize, applied.MaxExecutionTimeMs, applied.TotalMemoryLimit)
}

// Close flushes and releases all owned resources.
func (k *Kernel) Close() error {
	var firstErr error
	if err := k.store.Commit(); err != nil {
		firstErr = err
	}
	if k.audit != nil {
		if err := k.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.log.Info("kernel shut down")
	return firstErr
}
