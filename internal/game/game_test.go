package game

import (
	"path/filepath"
	"testing"
)

func TestBaseName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips trailing number", "Whiterun Guard 1", "Whiterun Guard"},
		{"strips multi-digit number", "Settler 12", "Settler"},
		{"plain name unchanged", "Lydia", "Lydia"},
		{"interior digits kept", "T-60 Paladin", "T-60 Paladin"},
		{"empty string", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := BaseName(tc.in); got != tc.want {
				t.Errorf("BaseName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("rejects unknown game id", func(t *testing.T) {
		if _, err := New(ID("oblivion"), "/tmp"); err == nil {
			t.Fatal("expected error for unknown game id")
		}
	})

	t.Run("conversation folder path", func(t *testing.T) {
		g, err := New(SkyrimVR, "/saves")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := filepath.Join("/saves", "data", "SkyrimVR", "conversations")
		if got := g.ConversationFolderPath(); got != want {
			t.Errorf("ConversationFolderPath() = %q, want %q", got, want)
		}
	})

	t.Run("VR editions share display name", func(t *testing.T) {
		g, err := New(Fallout4VR, "/saves")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g.Name() != "Fallout 4" {
			t.Errorf("Name() = %q, want %q", g.Name(), "Fallout 4")
		}
	})
}
