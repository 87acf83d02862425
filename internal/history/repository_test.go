package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/park285/pet-lobby-client/internal/battle"
)

func TestNilRepositoryIsNoop(t *testing.T) {
	var r *Repository
	if err := r.SaveSettlement(context.Background(), battle.Settlement{BattleID: "B1"}); err != nil {
		t.Fatalf("SaveSettlement on nil: %v", err)
	}
	if got, err := r.Recent(context.Background(), 1, 5); err != nil || got != nil {
		t.Fatalf("Recent on nil: %v %v", got, err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}

func TestNewRepositoryRequiresURL(t *testing.T) {
	if _, err := NewRepository("  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

// Runs against a real database when HISTORY_TEST_DATABASE_URL is set.
func TestSaveAndReadBack(t *testing.T) {
	url := os.Getenv("HISTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HISTORY_TEST_DATABASE_URL not set")
	}
	r, err := NewRepository(url)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer r.Close()
	ctx := context.Background()
	if err := r.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	s := battle.Settlement{
		BattleID: "test-" + time.Now().Format("150405.000000"), SelfID: 424242, OpponentID: 2,
		MyScore: 40, OpponentScore: 55, Outcome: battle.OutcomeLose, SettledAt: time.Now(),
	}
	if err := r.SaveSettlement(ctx, s); err != nil {
		t.Fatalf("SaveSettlement: %v", err)
	}
	s.OpponentScore = 30
	s.Outcome = battle.OutcomeWin
	if err := r.SaveSettlement(ctx, s); err != nil {
		t.Fatalf("SaveSettlement upsert: %v", err)
	}
	got, err := r.Recent(ctx, 424242, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent: %v %v", got, err)
	}
	if got[0].BattleID != s.BattleID || got[0].Outcome != battle.OutcomeWin || got[0].OpponentScore != 30 {
		t.Fatalf("unexpected row: %+v", got[0])
	}
}
