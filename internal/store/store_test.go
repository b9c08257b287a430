package store

import (
	"context"
	"fmt"
	"testing"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_AppendAndRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AppendTurn(ctx, Turn{
		ConversationID: "conv-a",
		ProjectID:      "proj-1",
		Question:       "what is in the onboarding doc?",
		Answer:         "it covers the first week.",
		Path:           "simple",
		Citations:      `[{"chunk_id":"c1","document_id":"d1"}]`,
	})
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}

	turns, err := s.Recent(ctx, "conv-a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("want 1 turn, got %d", len(turns))
	}
	got := turns[0]
	if got.Question != "what is in the onboarding doc?" || got.Answer != "it covers the first week." {
		t.Errorf("turn content mismatch: %+v", got)
	}
	if got.ProjectID != "proj-1" || got.Path != "simple" {
		t.Errorf("turn metadata mismatch: %+v", got)
	}
	if got.Citations == "" {
		t.Error("citations not persisted")
	}
}

func Test_Store_RecentLimitRespected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 6 {
		err := s.AppendTurn(ctx, Turn{
			ConversationID: "conv-b",
			ProjectID:      "proj-1",
			Question:       fmt.Sprintf("q%d", i),
			Answer:         fmt.Sprintf("a%d", i),
			Path:           "direct",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	turns, err := s.Recent(ctx, "conv-b", 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("want 4 turns, got %d", len(turns))
	}
	// Oldest-first ordering within the retained tail.
	if turns[0].Question != "q2" || turns[3].Question != "q5" {
		t.Errorf("want q2..q5 oldest-first, got %s..%s", turns[0].Question, turns[3].Question)
	}
}

func Test_Store_ConversationIsolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendTurn(ctx, Turn{ConversationID: "conv-x", ProjectID: "p", Question: "from x", Answer: "x", Path: "direct"}); err != nil {
		t.Fatalf("append x: %v", err)
	}
	if err := s.AppendTurn(ctx, Turn{ConversationID: "conv-y", ProjectID: "p", Question: "from y", Answer: "y", Path: "direct"}); err != nil {
		t.Fatalf("append y: %v", err)
	}

	turns, err := s.Recent(ctx, "conv-x", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 || turns[0].Question != "from x" {
		t.Errorf("conversation isolation broken: %+v", turns)
	}
}
