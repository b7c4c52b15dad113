package mood

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Scorer supplies a 0..10 mood score for a finished session. The orchestrator
// never computes mood itself; it is an injected collaborator.
type Scorer interface {
	Score(ctx context.Context, userID uint64, sessionID string) (int, error)
}

type ScorerFactory func(ctx context.Context) (Scorer, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ScorerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ScorerFactory)}
}

func (r *Registry) Register(name string, f ScorerFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string) (Scorer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown mood scorer: %s", name)
	}
	return f(ctx)
}

// FixedScorer always returns the same score. Stands in until sentiment-derived
// scoring lands; matches the product's current placeholder behavior.
type FixedScorer struct {
	Value int
}

func (s FixedScorer) Score(ctx context.Context, userID uint64, sessionID string) (int, error) {
	_ = ctx
	_ = userID
	_ = sessionID
	v := s.Value
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	return v, nil
}
