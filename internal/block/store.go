package block

import "sync"

// Store is a fixed-length sequence of block slots. A nil slot is unloaded.
// Writes come only from the active load; reads may come from any goroutine.
type Store struct {
	mu         sync.RWMutex
	blocks     []*MessageBlock
	totalBytes int64
}

func newStore(n int) *Store {
	return &Store{blocks: make([]*MessageBlock, n)}
}

// Len returns the number of slots.
func (s *Store) Len() int {
	return len(s.blocks)
}

// Get returns the block in slot i, or nil.
func (s *Store) Get(i int) *MessageBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[i]
}

func (s *Store) put(i int, blk *MessageBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.blocks[i]; old != nil {
		s.totalBytes -= old.SizeInBytes
	}
	s.blocks[i] = blk
	if blk != nil {
		s.totalBytes += blk.SizeInBytes
	}
}

// evict clears slot i and returns the bytes it held. ok is false when the
// slot was already empty.
func (s *Store) evict(i int) (freed int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.blocks[i]
	if old == nil {
		return 0, false
	}
	s.blocks[i] = nil
	s.totalBytes -= old.SizeInBytes
	return old.SizeInBytes, true
}

// TotalBytes returns the summed size of present blocks.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

// Snapshot copies the slot slice. Blocks are shared; they are never mutated.
func (s *Store) Snapshot() []*MessageBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MessageBlock, len(s.blocks))
	copy(out, s.blocks)
	return out
}
