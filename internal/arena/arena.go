// Package arena implements the region-typed allocators backing the runtime.
// Each region owns a contiguous byte range and hands out blocks from a
// first-fit free list. Quotas are enforced here, at the allocator boundary,
// rather than inside individual tools.
package arena

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"devicenerd/internal/logging"
)

// RegionType classifies a region by what it stores.
type RegionType int

const (
	RegionStatic RegionType = iota
	RegionDynamic
	RegionTool
	RegionResource
	RegionSystem
)

func (r RegionType) String() string {
	switch r {
	case RegionStatic:
		return "static"
	case RegionDynamic:
		return "dynamic"
	case RegionTool:
		return "tool"
	case RegionResource:
		return "resource"
	case RegionSystem:
		return "system"
	}
	return "unknown"
}

var (
	ErrOutOfMemory   = errors.New("arena: out of memory")
	ErrDoubleFree    = errors.New("arena: double free")
	ErrForeignBlock  = errors.New("arena: block does not belong to any region")
	ErrUnknownRegion = errors.New("arena: unknown region")
)

// blockHeaderSize models the per-block bookkeeping overhead. A free block
// is split only when the remainder could hold a header plus 8 payload bytes.
const blockHeaderSize = 16

// RegionConfig sizes one region at Init.
type RegionConfig struct {
	Type RegionType
	Size int
}

// Stats is a snapshot of one region's accounting.
type Stats struct {
	Total         int
	Used          int
	PeakUsed      int
	AllocCount    int
	FreeCount     int
	FragmentCount int
}

// Block is a live allocation. The backing bytes stay valid until Free.
type Block struct {
	region *region
	offset int
	size   int
	tag    string
	freed  bool
}

// Bytes returns the block's payload.
func (b *Block) Bytes() []byte {
	if b == nil || b.freed {
		return nil
	}
	return b.region.buf[b.offset : b.offset+b.size]
}

// Size returns the payload size in bytes.
func (b *Block) Size() int { return b.size }

// Tag returns the allocation tag, if any.
func (b *Block) Tag() string { return b.tag }

type span struct {
	offset int
	size   int
}

type region struct {
	typ   RegionType
	buf   []byte
	free  []span           // sorted by offset
	used  map[int]*Block   // offset -> live block
	stats Stats
}

// Arena is a set of regions. All methods are safe for concurrent use,
// though the host loop is single-threaded.
type Arena struct {
	mu      sync.Mutex
	regions map[RegionType]*region
}

// Init creates an arena with the given regions.
func Init(configs []RegionConfig) (*Arena, error) {
	a := &Arena{regions: make(map[RegionType]*region)}
	for _, rc := range configs {
		if rc.Size <= 0 {
			return nil, fmt.Errorf("arena: region %s has non-positive size %d", rc.Type, rc.Size)
		}
		if _, dup := a.regions[rc.Type]; dup {
			return nil, fmt.Errorf("arena: duplicate region %s", rc.Type)
		}
		a.regions[rc.Type] = &region{
			typ:   rc.Type,
			buf:   make([]byte, rc.Size),
			free:  []span{{offset: 0, size: rc.Size}},
			used:  make(map[int]*Block),
			stats: Stats{Total: rc.Size},
		}
	}
	return a, nil
}

// Allocate takes size bytes from a region, first fit. The tag is kept for
// diagnostics only.
func (a *Arena) Allocate(typ RegionType, size int, tag string) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: invalid allocation size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regions[typ]
	if !ok {
		return nil, ErrUnknownRegion
	}
	for i, f := range r.free {
		if f.size < size {
			continue
		}
		remainder := f.size - size
		if remainder >= blockHeaderSize+8 {
			r.free[i] = span{offset: f.offset + size, size: remainder}
		} else {
			// Too small to split; the whole span goes to the block.
			size = f.size
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		b := &Block{region: r, offset: f.offset, size: size, tag: tag}
		r.used[b.offset] = b
		r.stats.Used += size
		r.stats.AllocCount++
		if r.stats.Used > r.stats.PeakUsed {
			r.stats.PeakUsed = r.stats.Used
		}
		r.stats.FragmentCount = len(r.free)
		return b, nil
	}
	logging.Get(logging.CategoryArena).Warn("region %s exhausted: want %d, free %d",
		typ, size, r.stats.Total-r.stats.Used)
	return nil, ErrOutOfMemory
}

// Free returns a block to its region and coalesces adjacent free spans.
func (a *Arena) Free(b *Block) error {
	if b == nil {
		return ErrForeignBlock
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if b.freed {
		logging.Get(logging.CategoryArena).Error("double free of %d bytes at %d in %s",
			b.size, b.offset, b.region.typ)
		return ErrDoubleFree
	}
	r := b.region
	if r == nil || a.regions[r.typ] != r {
		return ErrForeignBlock
	}
	if r.used[b.offset] != b {
		return ErrForeignBlock
	}

	delete(r.used, b.offset)
	b.freed = true
	r.stats.Used -= b.size
	r.stats.FreeCount++

	r.free = append(r.free, span{offset: b.offset, size: b.size})
	sort.Slice(r.free, func(i, j int) bool { return r.free[i].offset < r.free[j].offset })
	r.coalesce()
	r.stats.FragmentCount = len(r.free)
	return nil
}

// coalesce merges adjacent free spans. The list must be offset-sorted.
func (r *region) coalesce() {
	if len(r.free) < 2 {
		return
	}
	out := r.free[:1]
	for _, f := range r.free[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == f.offset {
			last.size += f.size
		} else {
			out = append(out, f)
		}
	}
	r.free = out
}

// GetStats returns a snapshot for one region.
func (a *Arena) GetStats(typ RegionType) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[typ]
	if !ok {
		return Stats{}, ErrUnknownRegion
	}
	return r.stats, nil
}

// FreeSpace returns the largest allocatable span and the total free bytes.
func (a *Arena) FreeSpace(typ RegionType) (largest, total int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[typ]
	if !ok {
		return 0, 0, ErrUnknownRegion
	}
	for _, f := range r.free {
		total += f.size
		if f.size > largest {
			largest = f.size
		}
	}
	return largest, total, nil
}

// Optimize coalesces the free list of one region, or of all regions when
// typ is negative.
func (a *Arena) Optimize(typ RegionType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if typ >= 0 && r.typ != typ {
			continue
		}
		sort.Slice(r.free, func(i, j int) bool { return r.free[i].offset < r.free[j].offset })
		r.coalesce()
		r.stats.FragmentCount = len(r.free)
	}
}

// OptimizeAll coalesces every region.
func (a *Arena) OptimizeAll() { a.Optimize(RegionType(-1)) }
