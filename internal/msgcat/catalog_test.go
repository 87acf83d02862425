package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmbeddedKeysRender(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, k := range []string{KeyConnected, KeyDisconnected, KeyRoster, KeyLeaderboardRow, KeyInviteIncoming, KeyInviteOutcome, KeyInviteRefused, KeyBattleState, KeyBattleSettled, KeyChatLine} {
		if !c.Has(k) {
			t.Fatalf("missing embedded key %s", k)
		}
	}
	got, err := c.Render(KeyBattleSettled, map[string]any{"ID": "B1", "Mine": 40, "Theirs": 55, "Outcome": "lose"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Battle B1 over: 40 vs 55, lose" {
		t.Fatalf("unexpected render: %q", got)
	}
	if _, err := c.Render(KeyBattleSettled, map[string]any{"ID": "B1"}); err == nil {
		t.Fatalf("expected missing field error")
	}
	if got := c.RenderOr("nope", nil, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr fallback: %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("chat:\n  line: \"<{{.Name}}> {{.Content}}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, _ := c.Render(KeyChatLine, map[string]any{"Name": "Mochi", "Content": "hi"})
	if got != "<Mochi> hi" {
		t.Fatalf("override not applied: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("chat:\n  line: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}
