package remember

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halvardb/lorekeeper/internal/game"
	"github.com/halvardb/lorekeeper/internal/thread"
	"github.com/halvardb/lorekeeper/pkg/provider/llm"
	"github.com/halvardb/lorekeeper/pkg/provider/llm/mock"
)

func newTestSummaries(t *testing.T, saveFolder string, p llm.Provider) *Summaries {
	t.Helper()
	g, err := game.New(game.Skyrim, saveFolder)
	if err != nil {
		t.Fatalf("game.New: %v", err)
	}
	s, err := New(Config{
		Game:       g,
		Provider:   p,
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// worldDir returns the conversation folder for world w1 under saveFolder.
func worldDir(saveFolder string) string {
	return filepath.Join(saveFolder, "data", "Skyrim", "conversations", "w1")
}

// fiveTurnThread builds a thread with a prompt and five user/assistant pairs.
func fiveTurnThread(prompt string) *thread.Thread {
	th := thread.New(prompt)
	for i := 0; i < 5; i++ {
		th.Add(thread.NewUser("Tell me about the keep."))
		th.Add(thread.NewAssistant("It has stood for centuries."))
	}
	return th
}

func writeSummaryFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestSaveConversationState(t *testing.T) {
	t.Run("role references rewritten to character names", func(t *testing.T) {
		saveFolder := t.TempDir()
		p := &mock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: "The assistant nodded."},
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		s := newTestSummaries(t, saveFolder, p)

		th := fiveTurnThread("You are Lydia.")
		npcs := []game.Character{
			{Name: "Player", IsPlayerCharacter: true},
			{Name: "Lydia", RefID: "111"},
		}
		if err := s.SaveConversationState(context.Background(), th, npcs, "w1", false); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}

		path := filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_1.txt")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading summary file: %v", err)
		}
		got := string(data)
		if got != "Lydia nodded.\n\n" {
			t.Errorf("file content = %q, want %q", got, "Lydia nodded.\n\n")
		}
		if strings.Contains(got, "assistant") {
			t.Errorf("role reference survived substitution: %q", got)
		}
	})

	t.Run("short conversation skipped", func(t *testing.T) {
		saveFolder := t.TempDir()
		p := &mock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: "Should not be requested."},
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		s := newTestSummaries(t, saveFolder, p)

		th := thread.New("You are Lydia.")
		th.Add(thread.NewUser("Hello."))
		th.Add(thread.NewAssistant("Well met."))

		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}
		if err := s.SaveConversationState(context.Background(), th, npcs, "w1", false); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}

		if len(p.CompleteCalls) != 0 {
			t.Errorf("Complete called %d times, want 0", len(p.CompleteCalls))
		}
		path := filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_1.txt")
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("summary file should not exist, stat err = %v", err)
		}
	})

	t.Run("one summary shared across all NPCs", func(t *testing.T) {
		saveFolder := t.TempDir()
		p := &mock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: "Everyone met at the gate."},
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		s := newTestSummaries(t, saveFolder, p)

		npcs := []game.Character{
			{Name: "Lydia", RefID: "111"},
			{Name: "Farengar", RefID: "222"},
		}
		if err := s.SaveConversationState(context.Background(), fiveTurnThread("prompt"), npcs, "w1", false); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}

		if len(p.CompleteCalls) != 1 {
			t.Errorf("Complete called %d times, want 1 (shared summary)", len(p.CompleteCalls))
		}
		for _, npc := range npcs {
			path := filepath.Join(worldDir(saveFolder), npc.Name+" - "+npc.RefID, npc.Name+"_summary_1.txt")
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("reading %s: %v", path, err)
			}
			if string(data) != "Everyone met at the gate.\n\n" {
				t.Errorf("%s content = %q", npc.Name, string(data))
			}
		}
	})

	t.Run("appends to existing summaries", func(t *testing.T) {
		saveFolder := t.TempDir()
		p := &mock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: "Another meeting."},
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		s := newTestSummaries(t, saveFolder, p)
		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}

		for i := 0; i < 2; i++ {
			if err := s.SaveConversationState(context.Background(), fiveTurnThread("prompt"), npcs, "w1", false); err != nil {
				t.Fatalf("save %d: %v", i, err)
			}
		}

		path := filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_1.txt")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading summary file: %v", err)
		}
		want := "Another meeting.\n\nAnother meeting.\n\n"
		if string(data) != want {
			t.Errorf("file content = %q, want %q", string(data), want)
		}
	})

	t.Run("transient completion failures are retried", func(t *testing.T) {
		saveFolder := t.TempDir()
		calls := 0
		p := &mock.Provider{
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		p.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("upstream hiccup")
			}
			return &llm.CompletionResponse{Content: "Eventually summarized."}, nil
		}
		s := newTestSummaries(t, saveFolder, p)

		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}
		if err := s.SaveConversationState(context.Background(), fiveTurnThread("prompt"), npcs, "w1", false); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}
		if calls != 3 {
			t.Errorf("Complete called %d times, want 3", calls)
		}
	})

	t.Run("retry loop honours cancellation", func(t *testing.T) {
		saveFolder := t.TempDir()
		p := &mock.Provider{
			CompleteErr:       errors.New("always down"),
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 4096},
		}
		g, err := game.New(game.Skyrim, saveFolder)
		if err != nil {
			t.Fatalf("game.New: %v", err)
		}
		s, err := New(Config{
			Game:       g,
			Provider:   p,
			RetryDelay: time.Hour,
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}
		err = s.SaveConversationState(ctx, fiveTurnThread("prompt"), npcs, "w1", false)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want context.DeadlineExceeded", err)
		}
	})
}

func TestRollover(t *testing.T) {
	t.Run("over budget rolls into next numbered file", func(t *testing.T) {
		saveFolder := t.TempDir()
		existing := "A long chain of remembered events.\n\n"
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia - 111"), "Lydia_summary_1.txt", existing)

		p := &mock.Provider{
			CompleteResponse:  &llm.CompletionResponse{Content: "Condensed history."},
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000},
		}
		p.CountTextFunc = func(string) (int, error) { return 301, nil }
		s := newTestSummaries(t, saveFolder, p)

		// Reload path with too little dialogue: no new summary, but the
		// rollover check still runs against the accumulated text.
		th := thread.New("prompt")
		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}
		if err := s.SaveConversationState(context.Background(), th, npcs, "w1", true); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}

		oldData, err := os.ReadFile(filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_1.txt"))
		if err != nil {
			t.Fatalf("reading old file: %v", err)
		}
		if string(oldData) != existing {
			t.Errorf("old file changed: %q", string(oldData))
		}

		newData, err := os.ReadFile(filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_2.txt"))
		if err != nil {
			t.Fatalf("reading rolled-over file: %v", err)
		}
		if string(newData) != "Condensed history.\n\n" {
			t.Errorf("rolled-over content = %q", string(newData))
		}
	})

	t.Run("under budget leaves chain length alone", func(t *testing.T) {
		saveFolder := t.TempDir()
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia - 111"), "Lydia_summary_1.txt", "Short.\n\n")

		p := &mock.Provider{
			ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000},
		}
		p.CountTextFunc = func(string) (int, error) { return 299, nil }
		s := newTestSummaries(t, saveFolder, p)

		npcs := []game.Character{{Name: "Lydia", RefID: "111"}}
		if err := s.SaveConversationState(context.Background(), thread.New("prompt"), npcs, "w1", true); err != nil {
			t.Fatalf("SaveConversationState: %v", err)
		}

		if _, err := os.Stat(filepath.Join(worldDir(saveFolder), "Lydia - 111", "Lydia_summary_2.txt")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("no rollover expected, stat err = %v", err)
		}
	})
}

func TestLatestSummaryFilePath(t *testing.T) {
	t.Run("highest numbered file wins", func(t *testing.T) {
		saveFolder := t.TempDir()
		dir := filepath.Join(worldDir(saveFolder), "X - 9")
		for _, name := range []string{"X_summary_1.txt", "X_summary_2.txt", "X_summary_3.txt", "X_summary_4.txt"} {
			writeSummaryFile(t, dir, name, "events\n")
		}
		s := newTestSummaries(t, saveFolder, &mock.Provider{})

		got := s.latestSummaryFilePath(game.Character{Name: "X", RefID: "9"}, "w1")
		if !strings.HasSuffix(got, "X_summary_4.txt") {
			t.Errorf("path = %q, want suffix X_summary_4.txt", got)
		}
	})

	t.Run("defaults to 1 for a fresh character", func(t *testing.T) {
		s := newTestSummaries(t, t.TempDir(), &mock.Provider{})
		got := s.latestSummaryFilePath(game.Character{Name: "Lydia", RefID: "111"}, "w1")
		if !strings.HasSuffix(got, filepath.Join("Lydia - 111", "Lydia_summary_1.txt")) {
			t.Errorf("path = %q", got)
		}
	})

	t.Run("legacy folder honoured when ref folder absent", func(t *testing.T) {
		saveFolder := t.TempDir()
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia"), "Lydia_summary_1.txt", "old events\n")
		s := newTestSummaries(t, saveFolder, &mock.Provider{})

		got := s.latestSummaryFilePath(game.Character{Name: "Lydia", RefID: "111"}, "w1")
		if !strings.HasSuffix(got, filepath.Join("Lydia", "Lydia_summary_1.txt")) {
			t.Errorf("path = %q, want legacy folder", got)
		}
	})

	t.Run("ref folder preferred over legacy", func(t *testing.T) {
		saveFolder := t.TempDir()
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia"), "Lydia_summary_1.txt", "old\n")
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia - 111"), "Lydia_summary_1.txt", "new\n")
		s := newTestSummaries(t, saveFolder, &mock.Provider{})

		got := s.latestSummaryFilePath(game.Character{Name: "Lydia", RefID: "111"}, "w1")
		if !strings.Contains(got, "Lydia - 111") {
			t.Errorf("path = %q, want ref folder", got)
		}
	})

	t.Run("instance number stripped for folder and file names", func(t *testing.T) {
		s := newTestSummaries(t, t.TempDir(), &mock.Provider{})
		got := s.latestSummaryFilePath(game.Character{Name: "Whiterun Guard 2", RefID: "77"}, "w1")
		if !strings.HasSuffix(got, filepath.Join("Whiterun Guard - 77", "Whiterun Guard_summary_1.txt")) {
			t.Errorf("path = %q", got)
		}
	})
}

func TestGetPromptText(t *testing.T) {
	t.Run("empty when nothing remembered", func(t *testing.T) {
		s := newTestSummaries(t, t.TempDir(), &mock.Provider{})
		got, err := s.GetPromptText([]game.Character{{Name: "Lydia", RefID: "111"}}, "w1")
		if err != nil {
			t.Fatalf("GetPromptText: %v", err)
		}
		if got != "" {
			t.Errorf("got %q, want empty string", got)
		}
	})

	t.Run("shared lines appear once", func(t *testing.T) {
		saveFolder := t.TempDir()
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia - 111"), "Lydia_summary_1.txt",
			"The gate fell.\nLydia held the line.\n")
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Farengar - 222"), "Farengar_summary_1.txt",
			"The gate fell.\nFarengar studied the rubble.\n")
		s := newTestSummaries(t, saveFolder, &mock.Provider{})

		npcs := []game.Character{
			{Name: "Lydia", RefID: "111"},
			{Name: "Farengar", RefID: "222"},
		}
		got, err := s.GetPromptText(npcs, "w1")
		if err != nil {
			t.Fatalf("GetPromptText: %v", err)
		}
		want := PromptHeader + "\nThe gate fell.\nLydia held the line.\nFarengar studied the rubble."
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("blank lines dropped and players skipped", func(t *testing.T) {
		saveFolder := t.TempDir()
		writeSummaryFile(t, filepath.Join(worldDir(saveFolder), "Lydia - 111"), "Lydia_summary_1.txt",
			"An event.\n\n\nAnother event.\n\n")
		s := newTestSummaries(t, saveFolder, &mock.Provider{})

		npcs := []game.Character{
			{Name: "Player", IsPlayerCharacter: true},
			{Name: "Lydia", RefID: "111"},
		}
		got, err := s.GetPromptText(npcs, "w1")
		if err != nil {
			t.Fatalf("GetPromptText: %v", err)
		}
		want := PromptHeader + "\nAn event.\nAnother event."
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}
