package learn

import (
	"context"
	"testing"

	"github.com/vectorkit/vdb/pkg/storage"
)

func newTestSessionManager() *SessionManager {
	return NewSessionManager(NewExperienceStore(storage.NewInProcess()))
}

func TestSessionStartRecordEnd(t *testing.T) {
	ctx := context.Background()
	m := newTestSessionManager()

	id := m.Start("user-1", "backend")
	if id == "" {
		t.Fatalf("expected non-empty session id")
	}

	r, err := m.Record(ctx, id, RecordInput{
		StateEmbedding: []float32{1, 0, 0},
		Tool:           "linter",
		NextEmbedding:  []float32{1, 0, 0},
		Outcome: RewardInput{
			Success:     true,
			ExecutionMs: 250,
			Quality:     0.8,
			HasQuality:  true,
			TokensUsed:  150,
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	const eps = 1e-4
	want := float32(0.4 + 0.3*0.75 + 0.2*0.8 + 0.1*0.85)
	if abs32(r-want) > eps {
		t.Fatalf("expected reward %v, got %v", want, r)
	}

	if err := m.End(id, true); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, err := m.Record(ctx, id, RecordInput{StateEmbedding: []float32{1, 0, 0}, Tool: "linter"}); err == nil {
		t.Fatalf("expected record after end to fail")
	}
}

func TestSessionPredictReturnsRankedRecommendation(t *testing.T) {
	ctx := context.Background()
	m := newTestSessionManager()
	id := m.Start("user-1", "backend")

	for i := 0; i < 5; i++ {
		if _, err := m.Record(ctx, id, RecordInput{
			StateEmbedding: []float32{1, 0, 0},
			Tool:           "linter",
			Outcome:        RewardInput{Success: true, ExecutionMs: 100, Quality: 0.9, HasQuality: true},
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := m.Record(ctx, id, RecordInput{
			StateEmbedding: []float32{1, 0, 0},
			Tool:           "formatter",
			Outcome:        RewardInput{Success: false, ExecutionMs: 900, Quality: 0.1, HasQuality: true},
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	pred, err := m.Predict(ctx, id, []float32{1, 0, 0}, []string{"linter", "formatter"})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(pred.SimilarPast) == 0 {
		t.Fatalf("expected some similar past experiences")
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		t.Fatalf("expected confidence in [0,1], got %v", pred.Confidence)
	}
}

func TestSessionTransferRequiresTransferableAndSimilarityFloor(t *testing.T) {
	m := newTestSessionManager()
	src := m.Start("user-1", "backend")
	dst := m.Start("user-2", "backend")

	if err := m.Transfer(src, dst, 0.9); err == nil {
		t.Fatalf("expected transfer to fail before src is marked transferable")
	}

	if err := m.End(src, true); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := m.Transfer(src, dst, 0.4); err == nil {
		t.Fatalf("expected transfer to fail below similarity floor")
	}
	if err := m.Transfer(src, dst, 0.9); err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

func TestSessionTrainAsyncCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	m := newTestSessionManager()
	id := m.Start("user-1", "backend")

	for i := 0; i < 10; i++ {
		if _, err := m.Record(ctx, id, RecordInput{
			StateEmbedding: []float32{1, 0, 0},
			Tool:           "linter",
			NextEmbedding:  []float32{1, 0, 0},
			Outcome:        RewardInput{Success: true, ExecutionMs: 100, Quality: 0.9, HasQuality: true},
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	actionsFor := func(Transition) []string { return []string{"linter"} }

	waits := make([]func() (TrainMetrics, error), 5)
	for i := range waits {
		wait, err := m.TrainAsync(id, 4, actionsFor)
		if err != nil {
			t.Fatalf("train async: %v", err)
		}
		waits[i] = wait
	}

	for i, wait := range waits {
		metrics, err := wait()
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		if metrics.ExperiencesProcessed == 0 {
			t.Fatalf("wait %d: expected at least one experience processed", i)
		}
	}
}

func TestSessionTrainSamplesAndUpdatesPolicy(t *testing.T) {
	ctx := context.Background()
	m := newTestSessionManager()
	id := m.Start("user-1", "backend")

	for i := 0; i < 10; i++ {
		if _, err := m.Record(ctx, id, RecordInput{
			StateEmbedding: []float32{1, 0, 0},
			Tool:           "linter",
			NextEmbedding:  []float32{1, 0, 0},
			Outcome:        RewardInput{Success: true, ExecutionMs: 100, Quality: 0.9, HasQuality: true},
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	metrics, err := m.Train(id, 5, func(Transition) []string { return []string{"linter"} })
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if metrics.ExperiencesProcessed != 5 {
		t.Fatalf("expected 5 experiences processed, got %d", metrics.ExperiencesProcessed)
	}
}
