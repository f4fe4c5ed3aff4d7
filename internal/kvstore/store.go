// Package kvstore implements the persistent key/value store that carries
// dynamic tools, automation rules, and configuration across reboots.
//
// Layout of the backing image:
//
//	header   {magic, version, count}                  12 bytes
//	directory 32 fixed slots {key[32], offset, size}  40 bytes each
//	payload  free-form area addressed by the directory
//
// A magic mismatch on open reformats the image. Writes overwrite in place
// when the existing block is large enough, otherwise delete + first-fit
// allocate. Compaction happens only on Commit; callers batch writes inside
// a transaction to suppress the per-operation auto-commit.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"devicenerd/internal/logging"
)

const (
	// Magic spells "DKVS" in the image header.
	Magic   uint32 = 0x444B5653
	Version uint16 = 1

	// MaxKeys is the directory capacity.
	MaxKeys = 32
	// MaxKeyLen is the longest storable key.
	MaxKeyLen = 32

	headerSize = 12 // magic(4) + version(2) + count(2) + reserved(4)
	entrySize  = MaxKeyLen + 8
	// directoryEnd is where the payload area starts.
	directoryEnd = headerSize + MaxKeys*entrySize
)

// Config sizes and locates a store.
type Config struct {
	// Path of the image file. Empty means memory-only.
	Path string
	// Size of the whole image, header included.
	Size int
	// Compression enables RLE on write.
	Compression bool
	// ReadOnly rejects all mutation.
	ReadOnly bool
}

type entry struct {
	key    string
	offset int
	size   int
}

// Store is the persistent key/value layer. Single-threaded by contract;
// the mutex guards against accidental cross-goroutine use.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	buf      []byte
	entries  []entry
	inTxn    bool
	dirty    bool
	log      *logging.Logger
}

// Open loads or formats a store image.
func Open(cfg Config) (*Store, error) {
	if cfg.Size < directoryEnd+64 {
		return nil, fmt.Errorf("kvstore: image size %d too small (minimum %d)", cfg.Size, directoryEnd+64)
	}
	s := &Store{cfg: cfg, log: logging.Get(logging.CategoryStore)}

	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		switch {
		case err == nil && len(data) == cfg.Size:
			s.buf = data
		case err == nil:
			s.log.Warn("image %s has size %d, want %d; reformatting", cfg.Path, len(data), cfg.Size)
			s.buf = make([]byte, cfg.Size)
		case os.IsNotExist(err):
			s.buf = make([]byte, cfg.Size)
		default:
			return nil, fmt.Errorf("kvstore: read image: %w", err)
		}
	} else {
		s.buf = make([]byte, cfg.Size)
	}

	if err := s.loadDirectory(); err != nil {
		s.log.Warn("formatting store: %v", err)
		s.format()
	}
	s.log.Info("store opened: %d keys, %d bytes", len(s.entries), cfg.Size)
	return s, nil
}

// OpenImage builds a store over an existing in-memory image, used to
// simulate a reboot against the same backing bytes.
func OpenImage(image []byte, cfg Config) (*Store, error) {
	cfg.Path = ""
	cfg.Size = len(image)
	if cfg.Size < directoryEnd+64 {
		return nil, fmt.Errorf("kvstore: image size %d too small", cfg.Size)
	}
	s := &Store{cfg: cfg, buf: image, log: logging.Get(logging.CategoryStore)}
	if err := s.loadDirectory(); err != nil {
		s.log.Warn("formatting store: %v", err)
		s.format()
	}
	return s, nil
}

// Image returns the raw backing bytes. The caller must not mutate them.
func (s *Store) Image() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *Store) format() {
	for i := range s.buf {
		s.buf[i] = 0
	}
	binary.LittleEndian.PutUint32(s.buf[0:4], Magic)
	binary.LittleEndian.PutUint16(s.buf[4:6], Version)
	binary.LittleEndian.PutUint16(s.buf[6:8], 0)
	s.entries = nil
	s.dirty = true
}

func (s *Store) loadDirectory() error {
	if binary.LittleEndian.Uint32(s.buf[0:4]) != Magic {
		return fmt.Errorf("bad magic")
	}
	if v := binary.LittleEndian.Uint16(s.buf[4:6]); v != Version {
		return fmt.Errorf("unsupported version %d", v)
	}
	count := int(binary.LittleEndian.Uint16(s.buf[6:8]))
	if count > MaxKeys {
		return fmt.Errorf("corrupt count %d", count)
	}
	s.entries = nil
	for i := 0; i < count; i++ {
		off := headerSize + i*entrySize
		raw := s.buf[off : off+entrySize]
		key := string(bytes.TrimRight(raw[:MaxKeyLen], "\x00"))
		e := entry{
			key:    key,
			offset: int(binary.LittleEndian.Uint32(raw[MaxKeyLen : MaxKeyLen+4])),
			size:   int(binary.LittleEndian.Uint32(raw[MaxKeyLen+4 : MaxKeyLen+8])),
		}
		if e.key == "" || e.offset < directoryEnd || e.offset+e.size > len(s.buf) {
			return fmt.Errorf("corrupt entry %d", i)
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *Store) writeDirectory() {
	binary.LittleEndian.PutUint16(s.buf[6:8], uint16(len(s.entries)))
	for i := 0; i < MaxKeys; i++ {
		off := headerSize + i*entrySize
		slot := s.buf[off : off+entrySize]
		for j := range slot {
			slot[j] = 0
		}
		if i < len(s.entries) {
			e := s.entries[i]
			copy(slot[:MaxKeyLen], e.key)
			binary.LittleEndian.PutUint32(slot[MaxKeyLen:MaxKeyLen+4], uint32(e.offset))
			binary.LittleEndian.PutUint32(slot[MaxKeyLen+4:MaxKeyLen+8], uint32(e.size))
		}
	}
	s.dirty = true
}

func (s *Store) find(key string) int {
	for i := range s.entries {
		if s.entries[i].key == key {
			return i
		}
	}
	return -1
}

// freeSpans returns the payload gaps between live blocks, offset-sorted.
func (s *Store) freeSpans() []entry {
	live := append([]entry(nil), s.entries...)
	for i := 1; i < len(live); i++ {
		for j := i; j > 0 && live[j].offset < live[j-1].offset; j-- {
			live[j], live[j-1] = live[j-1], live[j]
		}
	}
	var spans []entry
	cursor := directoryEnd
	for _, e := range live {
		if e.offset > cursor {
			spans = append(spans, entry{offset: cursor, size: e.offset - cursor})
		}
		cursor = e.offset + e.size
	}
	if cursor < len(s.buf) {
		spans = append(spans, entry{offset: cursor, size: len(s.buf) - cursor})
	}
	return spans
}

// Write stores a value under key. Existing blocks large enough are
// overwritten in place with the recorded size shrunk; otherwise the old
// entry is deleted and a new block is first-fit allocated.
func (s *Store) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	if key == "" || len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}

	payload := value
	compressed := false
	if s.cfg.Compression {
		if c := rleCompress(value); c != nil {
			payload = c
			compressed = true
		}
	}
	// Readers treat the marker prefix as authoritative, so a raw value
	// that happens to begin with it must be stored encoded even when
	// that grows it.
	if !compressed && rleIsCompressed(value) {
		payload = rleEncode(value)
	}

	if i := s.find(key); i >= 0 {
		if s.entries[i].size >= len(payload) {
			copy(s.buf[s.entries[i].offset:], payload)
			s.entries[i].size = len(payload)
			s.writeDirectory()
			return s.autoCommit()
		}
		s.removeEntry(i)
	} else if len(s.entries) >= MaxKeys {
		return ErrDirectoryFull
	}

	for _, span := range s.freeSpans() {
		if span.size >= len(payload) {
			copy(s.buf[span.offset:], payload)
			s.entries = append(s.entries, entry{key: key, offset: span.offset, size: len(payload)})
			s.writeDirectory()
			logging.StoreDebug("wrote %q: %d bytes at %d", key, len(payload), span.offset)
			return s.autoCommit()
		}
	}
	return ErrOutOfSpace
}

// Read returns an owned copy of the stored value, inflating compressed
// payloads transparently.
func (s *Store) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(key)
	if i < 0 {
		return nil, ErrNotFound
	}
	e := s.entries[i]
	raw := s.buf[e.offset : e.offset+e.size]
	if rleIsCompressed(raw) {
		return rleDecompress(raw)
	}
	out := make([]byte, e.size)
	copy(out, raw)
	return out, nil
}

// Exists reports whether a key is stored.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(key) >= 0
}

// Delete removes a key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	i := s.find(key)
	if i < 0 {
		return ErrNotFound
	}
	s.removeEntry(i)
	s.writeDirectory()
	return s.autoCommit()
}

func (s *Store) removeEntry(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// Keys returns all stored keys in directory order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.key
	}
	return out
}

// Size returns the stored (possibly compressed) size of a key's block.
func (s *Store) Size(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(key)
	if i < 0 {
		return 0, ErrNotFound
	}
	return s.entries[i].size, nil
}

// BeginTxn suppresses auto-commit until EndTxn.
func (s *Store) BeginTxn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTxn {
		return ErrInvalidState
	}
	s.inTxn = true
	return nil
}

// EndTxn re-enables auto-commit and flushes the batched image.
func (s *Store) EndTxn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTxn {
		return ErrInvalidState
	}
	s.inTxn = false
	return s.flushLocked()
}

// autoCommit flushes the image after a mutation unless a transaction is
// open. It never compacts; compaction is explicit via Commit.
func (s *Store) autoCommit() error {
	if s.inTxn {
		return nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.cfg.Path != "" {
		if err := os.WriteFile(s.cfg.Path, s.buf, 0o644); err != nil {
			return fmt.Errorf("kvstore: flush image: %w", err)
		}
	}
	s.dirty = false
	return nil
}

// Commit compacts the payload area, rewrites the directory, and flushes
// the image to disk.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	// Compact: move live blocks down to close gaps.
	order := make([]int, len(s.entries))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && s.entries[order[j]].offset < s.entries[order[j-1]].offset; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	cursor := directoryEnd
	for _, idx := range order {
		e := &s.entries[idx]
		if e.offset != cursor {
			copy(s.buf[cursor:], s.buf[e.offset:e.offset+e.size])
			e.offset = cursor
		}
		cursor += e.size
	}
	for i := cursor; i < len(s.buf); i++ {
		s.buf[i] = 0
	}
	s.writeDirectory()
	return s.flushLocked()
}

// Clear reformats the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	s.format()
	return s.commitLocked()
}

// FreeSpace returns the total free payload bytes.
func (s *Store) FreeSpace() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, span := range s.freeSpans() {
		total += span.size
	}
	return total
}

// SetCompression toggles RLE on subsequent writes. Stored payloads keep
// whatever form they were written in; Read handles both.
func (s *Store) SetCompression(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Compression = on
}
