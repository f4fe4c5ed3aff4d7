package vm

import (
	"sync"

	"devicenerd/internal/logging"
)

// Config is the VM's quota set. Values are clamped against the platform
// recommendation on SetConfig; the applied values are what callers get
// back.
type Config struct {
	MaxStackSize       int `json:"max_stack_size" yaml:"max_stack_size"`
	MaxBytecodeSize    int `json:"max_bytecode_size" yaml:"max_bytecode_size"`
	MaxExecutionTimeMs int `json:"max_execution_time_ms" yaml:"max_execution_time_ms"`
	TotalMemoryLimit   int `json:"total_memory_limit" yaml:"total_memory_limit"`
}

// Stats counts VM activity since boot.
type Stats struct {
	Executions    int64 `json:"executions"`
	Errors        int64 `json:"errors"`
	Timeouts      int64 `json:"timeouts"`
	MemoryInUse   int64 `json:"memory_in_use"`
	PeakMemoryUse int64 `json:"peak_memory_use"`
}

// FreeMemoryFunc reports the platform's free memory; the default asks for
// a conservative constant so tests are deterministic.
type FreeMemoryFunc func() int

const defaultFreeMemory = 256 * 1024

// Recommended derives quota recommendations from reported free memory.
func Recommended(freeMem int) Config {
	if freeMem <= 0 {
		freeMem = defaultFreeMemory
	}
	return Config{
		MaxStackSize:       64,
		MaxBytecodeSize:    freeMem / 8,
		MaxExecutionTimeMs: 5000,
		TotalMemoryLimit:   freeMem / 4,
	}
}

// Manager owns the VM configuration, the tracked memory counter, and the
// execution statistics. One Manager serves the whole process.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	freeMem FreeMemoryFunc
	memUsed int64
	stats   Stats
	log     *logging.Logger

	funcsMu sync.RWMutex
	funcs   map[string]HostFunc
}

// NewManager creates a manager with recommended defaults. freeMem may be
// nil.
func NewManager(freeMem FreeMemoryFunc) *Manager {
	if freeMem == nil {
		freeMem = func() int { return defaultFreeMemory }
	}
	return &Manager{
		cfg:     Recommended(freeMem()),
		freeMem: freeMem,
		log:     logging.Get(logging.CategoryVM),
	}
}

// GetConfig returns the active configuration.
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// GetRecommended returns the platform-derived recommendation.
func (m *Manager) GetRecommended() Config {
	return Recommended(m.freeMem())
}

// SetConfig applies a configuration, clamping each field into
// [1, recommended]. Zero or negative fields keep their current value.
// The applied (post-clamp) configuration is returned.
func (m *Manager) SetConfig(want Config) Config {
	rec := m.GetRecommended()
	m.mu.Lock()
	defer m.mu.Unlock()

	clamp := func(v, cur, max int) int {
		if v <= 0 {
			return cur
		}
		if v > max {
			return max
		}
		return v
	}
	m.cfg.MaxStackSize = clamp(want.MaxStackSize, m.cfg.MaxStackSize, rec.MaxStackSize*4)
	m.cfg.MaxBytecodeSize = clamp(want.MaxBytecodeSize, m.cfg.MaxBytecodeSize, rec.MaxBytecodeSize)
	m.cfg.MaxExecutionTimeMs = clamp(want.MaxExecutionTimeMs, m.cfg.MaxExecutionTimeMs, rec.MaxExecutionTimeMs*2)
	m.cfg.TotalMemoryLimit = clamp(want.TotalMemoryLimit, m.cfg.TotalMemoryLimit, rec.TotalMemoryLimit)
	m.log.Info("config applied: stack=%d bytecode=%d time=%dms mem=%d",
		m.cfg.MaxStackSize, m.cfg.MaxBytecodeSize, m.cfg.MaxExecutionTimeMs, m.cfg.TotalMemoryLimit)
	return m.cfg
}

// ResetConfig restores the recommendation and returns it.
func (m *Manager) ResetConfig() Config {
	rec := m.GetRecommended()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = rec
	return m.cfg
}

// GetStats returns a snapshot of execution statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.MemoryInUse = m.memUsed
	return s
}

// CanAllocate reports whether size more VM bytes fit within the quota:
// the tracked counter plus size must stay within total_memory_limit and
// must not consume more than half of the platform's reported free
// memory.
func (m *Manager) CanAllocate(size int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAllocateLocked(size)
}

func (m *Manager) canAllocateLocked(size int) bool {
	if size <= 0 {
		return false
	}
	want := m.memUsed + int64(size)
	if want > int64(m.cfg.TotalMemoryLimit) {
		return false
	}
	if want > int64(m.freeMem())/2 {
		return false
	}
	return true
}

// Charge reserves size bytes against the quota. Returns false without
// reserving when the quota would be exceeded.
func (m *Manager) Charge(size int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canAllocateLocked(size) {
		return false
	}
	m.memUsed += int64(size)
	if m.memUsed > m.stats.PeakMemoryUse {
		m.stats.PeakMemoryUse = m.memUsed
	}
	return true
}

// Release returns size bytes to the quota. Underflow saturates to zero
// and logs.
func (m *Manager) Release(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memUsed -= int64(size)
	if m.memUsed < 0 {
		m.log.Warn("memory counter underflow by %d bytes; clamping to zero", -m.memUsed)
		m.memUsed = 0
	}
}
