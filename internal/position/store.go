package position

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store keeps an in-memory view of open positions keyed by symbol and
// persists it to a JSON document. Each save is a full-document rewrite via a
// temp file and rename, so a crash never leaves a half-written store.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
	path      string // empty disables persistence
}

// NewStore creates a store backed by the file at path. An empty path keeps
// the store memory-only (used by tests and the risk calculator's view).
func NewStore(path string) *Store {
	return &Store{
		positions: make(map[string]*Position),
		path:      path,
	}
}

// Load seeds the in-memory map from the store file. A missing or corrupt
// file is treated as "no known positions", never as a fatal error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Printf("position store: read %s failed, starting empty: %v", s.path, err)
		return nil
	}

	var m map[string]*Position
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("position store: decode %s failed, starting empty: %v", s.path, err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]*Position, len(m))
	for sym, p := range m {
		if p == nil || p.Quantity == 0 {
			continue
		}
		p.Symbol = sym
		s.positions[sym] = p
	}
	return nil
}

// Save rewrites the full store document. In-memory state stays authoritative
// when persistence fails; the caller just logs and retries on the next save.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s.positions, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode position store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write position store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace position store: %w", err)
	}
	return nil
}

// Get returns a copy of the position for symbol, or nil when none is open.
func (s *Store) Get(symbol string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil
	}
	return p.Clone()
}

// Has reports whether a position is open for symbol.
func (s *Store) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[symbol]
	return ok
}

// Set inserts or replaces the position for p.Symbol.
func (s *Store) Set(p *Position) {
	if p == nil || p.Symbol == "" {
		return
	}
	cp := p.Clone()
	cp.LastUpdated = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[cp.Symbol] = cp
}

// Update applies fn to the stored position for symbol under the write lock.
// It is a no-op when the symbol is not open.
func (s *Store) Update(symbol string, fn func(*Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return false
	}
	fn(p)
	p.LastUpdated = time.Now()
	return true
}

// Remove deletes the position for symbol, returning the removed record.
func (s *Store) Remove(symbol string) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil
	}
	delete(s.positions, symbol)
	return p
}

// Symbols returns the open symbols in deterministic order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// All returns copies of every open position keyed by symbol.
func (s *Store) All() map[string]*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Position, len(s.positions))
	for sym, p := range s.positions {
		out[sym] = p.Clone()
	}
	return out
}

// Len returns the number of open positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
