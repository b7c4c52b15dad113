package mood

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryRoutesByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Fixed", func(ctx context.Context) (Scorer, error) {
		return FixedScorer{Value: 6}, nil
	})

	s, err := reg.Get(context.Background(), "  fixed ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	score, err := s.Score(context.Background(), 1, "sess")
	if err != nil || score != 6 {
		t.Fatalf("score=%d err=%v", score, err)
	}

	if _, err := reg.Get(context.Background(), "sentiment"); err == nil {
		t.Fatalf("expected unknown-scorer error")
	}
}

func TestRegistryFactoryError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("model unavailable")
	reg.Register("flaky", func(ctx context.Context) (Scorer, error) {
		return nil, boom
	})

	if _, err := reg.Get(context.Background(), "flaky"); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestFixedScorerClamps(t *testing.T) {
	cases := []struct{ in, want int }{{-3, 0}, {0, 0}, {7, 7}, {10, 10}, {15, 10}}
	for _, tc := range cases {
		got, err := FixedScorer{Value: tc.in}.Score(context.Background(), 1, "s")
		if err != nil || got != tc.want {
			t.Fatalf("value=%d got=%d err=%v", tc.in, got, err)
		}
	}
}
