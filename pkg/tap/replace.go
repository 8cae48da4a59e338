package tap

import (
	"bytes"
	"fmt"
	"sync"
)

// Replace substitutes every occurrence of a byte pattern in the payload.
type Replace struct {
	mu          sync.RWMutex
	match, with []byte
}

func NewReplace(match, with []byte) (*Replace, error) {
	if len(match) == 0 {
		return nil, fmt.Errorf("replace tap needs a non-empty match pattern")
	}
	return &Replace{match: match, with: with}, nil
}

// Set swaps the patterns of a live tap.
func (r *Replace) Set(match, with []byte) error {
	if len(match) == 0 {
		return fmt.Errorf("replace tap needs a non-empty match pattern")
	}
	r.mu.Lock()
	r.match, r.with = match, with
	r.mu.Unlock()
	return nil
}

func (r *Replace) Handle(data []byte, _ AddrContext) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.ReplaceAll(data, r.match, r.with), nil
}
