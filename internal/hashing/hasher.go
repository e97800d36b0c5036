package hashing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

var ErrKeyTooLong = errors.New("pseudonym key exceeds 64 bytes")

// Pseudonymizer replaces user and session identifiers with keyed BLAKE2b
// digests before audit events leave the process. The same key always maps
// the same identifier to the same pseudonym, so exported events stay
// correlatable without carrying the raw id.
type Pseudonymizer struct {
	key []byte
	mu  sync.RWMutex
	// memo avoids rehashing hot identifiers; bounded by memoLimit
	memo      map[string]string
	memoLimit int
}

// NewPseudonymizer keys the digest with key; an empty key draws a random one,
// which makes pseudonyms stable only for the lifetime of the process.
func NewPseudonymizer(key string) (*Pseudonymizer, error) {
	k := []byte(key)
	if len(k) > blake2b.Size {
		return nil, ErrKeyTooLong
	}
	if len(k) == 0 {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("failed to generate pseudonym key: %w", err)
		}
	}
	return &Pseudonymizer{
		key:       k,
		memo:      make(map[string]string),
		memoLimit: 10000,
	}, nil
}

// Pseudonym returns the hex digest for id; the empty id stays empty.
func (p *Pseudonymizer) Pseudonym(id string) string {
	if id == "" {
		return ""
	}

	p.mu.RLock()
	if v, ok := p.memo[id]; ok {
		p.mu.RUnlock()
		return v
	}
	p.mu.RUnlock()

	h, err := blake2b.New(16, p.key)
	if err != nil {
		// only reachable with an oversized key, rejected in the constructor
		panic(err)
	}
	h.Write([]byte(id))
	v := "ps_" + hex.EncodeToString(h.Sum(nil))

	p.mu.Lock()
	if len(p.memo) >= p.memoLimit {
		p.memo = make(map[string]string)
	}
	p.memo[id] = v
	p.mu.Unlock()

	return v
}
