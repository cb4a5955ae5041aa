package format

import (
	"context"
	"sync"

	"github.com/antigravity-tools/gateway/internal/utils"
	"github.com/antigravity-tools/gateway/pkg/redis"
)

// SignatureStore keeps the most recent thought signature seen in any
// response. The upstream requires a valid thoughtSignature on replayed tool
// calls, but Claude-compatible clients strip the field from history, so the
// request mapper falls back to this store when a tool_use block arrives bare.
//
// It is a single-slot cell: last writer wins, which is correct because the
// signature only has to come from the same upstream session family, not the
// same conversation. With a Redis client attached the slot is shared across
// gateway processes.
type SignatureStore struct {
	mu    sync.RWMutex
	last  string
	cache *redis.Client
}

// NewSignatureStore returns a store backed by the given Redis client.
// A nil client keeps the store purely in-memory.
func NewSignatureStore(cache *redis.Client) *SignatureStore {
	return &SignatureStore{cache: cache}
}

// Remember records a signature extracted from an upstream response.
// Empty signatures are ignored.
func (s *SignatureStore) Remember(signature string) {
	if s == nil || signature == "" {
		return
	}

	s.mu.Lock()
	s.last = signature
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SetLastSignature(context.Background(), signature); err != nil {
			utils.Debug("[Signature] Redis write failed: %v", err)
		}
	}
}

// Last returns the most recent signature, preferring the local slot and
// falling back to Redis when the local slot is empty (fresh process).
func (s *SignatureStore) Last() string {
	if s == nil {
		return ""
	}

	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != "" {
		return last
	}

	if s.cache != nil {
		shared, err := s.cache.GetLastSignature(context.Background())
		if err != nil {
			utils.Debug("[Signature] Redis read failed: %v", err)
			return ""
		}
		if shared != "" {
			s.mu.Lock()
			s.last = shared
			s.mu.Unlock()
		}
		return shared
	}

	return ""
}
