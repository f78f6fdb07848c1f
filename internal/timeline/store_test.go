// store_test.go — Store 操作、copy-on-write 快照、索引一致性测试。
package timeline

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

func mustAppend(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.AppendTurn(Turn{ID: id, Query: "q-" + id}); err != nil {
			t.Fatalf("AppendTurn(%s): %v", id, err)
		}
	}
}

func assertIndexConsistent(t *testing.T, s *Store) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index.Len() != len(s.turns) {
		t.Fatalf("index len = %d, turns = %d", s.index.Len(), len(s.turns))
	}
	for i, turn := range s.turns {
		pos, ok := s.index.Position(turn.ID)
		if !ok || pos != i {
			t.Fatalf("index[%s] = %d,%v want %d", turn.ID, pos, ok, i)
		}
		for j, step := range turn.Research {
			if at, ok := s.index.Step(turn.ID, step.ID); !ok || at != j {
				t.Fatalf("step index[%s/%s] = %d,%v want %d", turn.ID, step.ID, at, ok, j)
			}
		}
		if turn.Canvas == nil {
			continue
		}
		for j, v := range turn.Canvas.Versions {
			if at, ok := s.index.Version(turn.ID, v.Version); !ok || at != j {
				t.Fatalf("version index[%s/%d] = %d,%v want %d", turn.ID, v.Version, at, ok, j)
			}
		}
	}
}

func TestAppendTurnValidation(t *testing.T) {
	s := NewStore(1)
	if err := s.AppendTurn(Turn{}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("empty id error = %v", err)
	}
	mustAppend(t, s, "A")
	if err := s.AppendTurn(Turn{ID: "A"}); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate id error = %v", err)
	}
	got, err := s.Turn("A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCreated {
		t.Errorf("Status = %q, want created", got.Status)
	}
}

func TestUnknownTurnIsNotFound(t *testing.T) {
	s := NewStore(1)
	checks := map[string]error{
		"Turn":       func() error { _, err := s.Turn("x"); return err }(),
		"UpdateTurn": s.UpdateTurn("x", func(*Turn) {}),
		"Research":   func() error { _, err := s.AppendResearchStep("x", ResearchStep{ID: "s"}); return err }(),
		"Chunk":      func() error { _, err := s.UpdateOrAppendResearchStep("x", "s", "", "t"); return err }(),
		"Canvas":     func() error { _, err := s.SetCanvasVersion("x", 1, "t", CanvasAppend); return err }(),
		"Rename":     s.RenameTurn("x", "y"),
		"Previous":   func() error { _, err := s.Previous("x"); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrTurnNotFound) || !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("%s error = %v, want ErrTurnNotFound", name, err)
		}
	}
}

func TestSnapshotIsStable(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A")
	before := s.Snapshot()

	_ = s.UpdateTurn("A", func(turn *Turn) { turn.Response.Content = "Hi" })
	_, _ = s.AppendResearchStep("A", ResearchStep{ID: "s1", Title: "search"})
	_, _ = s.SetCanvasVersion("A", 1, "doc", CanvasAppend)

	if before.Turns[0].Response.Content != "" || len(before.Turns[0].Research) != 0 || before.Turns[0].Canvas != nil {
		t.Fatalf("old snapshot mutated: %+v", before.Turns[0])
	}
	after := s.Snapshot()
	if after.Revision <= before.Revision {
		t.Errorf("Revision %d not advanced from %d", after.Revision, before.Revision)
	}
	if after.Turns[0].Response.Content != "Hi" {
		t.Errorf("Content = %q", after.Turns[0].Response.Content)
	}
}

func TestAppendResearchStepIdempotent(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A")
	changed, _ := s.AppendResearchStep("A", ResearchStep{ID: "s1", Title: "one"})
	if !changed {
		t.Fatal("first insert not applied")
	}
	changed, _ = s.AppendResearchStep("A", ResearchStep{ID: "s1", Title: "other"})
	if changed {
		t.Fatal("duplicate insert applied")
	}
	turn, _ := s.Turn("A")
	if len(turn.Research) != 1 || turn.Research[0].Title != "one" {
		t.Fatalf("Research = %+v", turn.Research)
	}
}

func TestUpdateOrAppendResearchStep(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A")

	steps := []struct {
		step, text, want string
	}{
		{"s1", "Searching the", "Searching the"},
		{"s1", " web", "Searching the web"},
		{"s1", "web", "Searching the web"},        // 完全包含于尾部
		{"s1", "the web", "Searching the web"},    // 重传
		{"s1", "web for x", "Searching the web for x"},
		{"s2", "Reading", "Reading"},
	}
	for _, st := range steps {
		if _, err := s.UpdateOrAppendResearchStep("A", st.step, "agent", st.text); err != nil {
			t.Fatal(err)
		}
		turn, _ := s.Turn("A")
		at, _ := s.index.Step("A", st.step)
		if got := turn.Research[at].Title; got != st.want {
			t.Fatalf("after %q: title = %q, want %q", st.text, got, st.want)
		}
	}
	assertIndexConsistent(t, s)
}

func TestMergeOverlap(t *testing.T) {
	tests := []struct {
		current, fragment string
		min               int
		want              string
	}{
		{"", "abc", 1, "abc"},
		{"abc", "", 1, "abc"},
		{"abc", "bc", 1, "abc"},
		{"abc", "cde", 1, "abcde"},
		{"abc", "cde", 2, "abccde"},
		{"abc", "xyz", 1, "abcxyz"},
		{"héllo wor", "world", 1, "héllo world"},
		// 双写字母跨分片边界
		{"Bal", "loon", 1, "Baloon"},
		{"Bal", "loon", 4, "Balloon"},
		{"Searching for", "ing for papers", 4, "Searching for papers"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.current, tt.fragment), func(t *testing.T) {
			if got := MergeOverlap(tt.current, tt.fragment, tt.min); got != tt.want {
				t.Errorf("MergeOverlap = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetCanvasVersion(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A")

	_, _ = s.SetCanvasVersion("A", 0, "v1 ", CanvasAppend)
	_, _ = s.SetCanvasVersion("A", 1, "text", CanvasAppend)
	_, _ = s.SetCanvasVersion("A", 2, "second", CanvasAppend)
	_, _ = s.SetCanvasVersion("A", 2, "rewritten", CanvasReplace)
	changed, _ := s.SetCanvasVersion("A", 2, "rewritten", CanvasReplace)
	if changed {
		t.Error("identical replace reported a change")
	}

	turn, _ := s.Turn("A")
	if turn.Canvas == nil || len(turn.Canvas.Versions) != 2 {
		t.Fatalf("Canvas = %+v", turn.Canvas)
	}
	if turn.Canvas.Versions[0].Content != "v1 text" || turn.Canvas.Versions[1].Content != "rewritten" {
		t.Fatalf("Versions = %+v", turn.Canvas.Versions)
	}
	assertIndexConsistent(t, s)
}

func TestRenameTurn(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "tmp", "B")
	_ = s.UpdateTurn("B", func(turn *Turn) { turn.PreviousTurnID = "tmp" })
	_, _ = s.SetCanvasVersion("tmp", 1, "x", CanvasAppend)

	if err := s.RenameTurn("tmp", "B"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("rename onto existing id error = %v", err)
	}
	if err := s.RenameTurn("tmp", "A"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Position("tmp"); ok {
		t.Error("old id still indexed")
	}
	b, _ := s.Turn("B")
	if b.PreviousTurnID != "A" {
		t.Errorf("B.PreviousTurnID = %q, want A", b.PreviousTurnID)
	}
	assertIndexConsistent(t, s)
}

func TestPrevious(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A", "B", "C")
	tests := map[string]string{"A": "", "B": "A", "C": "B"}
	for id, want := range tests {
		got, err := s.Previous(id)
		if err != nil || got != want {
			t.Errorf("Previous(%s) = %q, %v want %q", id, got, err, want)
		}
	}
}

func TestResetTurnClearsTransientFields(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "A")
	_ = s.UpdateTurn("A", func(turn *Turn) {
		turn.Response = Response{ID: "r", Content: "old"}
		turn.Research = []ResearchStep{{ID: "s", Title: "t"}}
		turn.Sources = []Source{{Title: "x"}}
		turn.RelatedQueries = []string{"q"}
		turn.ChartData = []byte(`{}`)
		turn.MapData = []byte(`{}`)
		turn.Feedback = "good"
		turn.Cancelled, turn.IsSuggestion, turn.IsElaborate, turn.IsRetry, turn.Error = true, true, true, true, true
		turn.Progress = 80
		turn.Status = StatusErrored
	})

	got, err := s.ResetTurn("A", "deep")
	if err != nil {
		t.Fatal(err)
	}
	if got.Response.Content != "" || got.Research != nil || got.Sources != nil || got.RelatedQueries != nil ||
		got.ChartData != nil || got.MapData != nil || got.Feedback != "" {
		t.Errorf("transient fields kept: %+v", got)
	}
	if got.Cancelled || got.IsSuggestion || got.IsElaborate || got.IsRetry || got.Error {
		t.Errorf("flags kept: %+v", got)
	}
	if got.Status != StatusCreated || got.Progress != 0 || got.AgentMode != "deep" || got.Query != "q-A" {
		t.Errorf("reset turn = %+v", got)
	}
	if _, ok := s.index.Step("A", "s"); ok {
		t.Error("step index kept after reset")
	}
}

func TestReplace(t *testing.T) {
	s := NewStore(1)
	mustAppend(t, s, "old")
	if err := s.Replace("c1", []Turn{{ID: "A"}, {ID: "A"}}); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("duplicate replace error = %v", err)
	}
	if err := s.Replace("c1", []Turn{{ID: "A"}, {ID: "B", Status: StatusCompleted}}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.ConversationID != "c1" || len(snap.Turns) != 2 || snap.Turns[0].Status != StatusCreated {
		t.Fatalf("snapshot = %+v", snap)
	}
	assertIndexConsistent(t, s)
}

func TestSetConversationIDFirstOnly(t *testing.T) {
	s := NewStore(1)
	if !s.SetConversationID("c1") {
		t.Error("first set not reported")
	}
	if s.SetConversationID("c1") || s.SetConversationID("c2") || s.SetConversationID("") {
		t.Error("later set reported as first")
	}
}

// 随机操作序列后索引与实际位置一致。
func TestIndexConsistencyUnderRandomOps(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	s := NewStore(1)
	next := 0
	ids := func() []string {
		snap := s.Snapshot()
		out := make([]string, 0, len(snap.Turns))
		for _, turn := range snap.Turns {
			out = append(out, turn.ID)
		}
		return out
	}

	for i := 0; i < 2000; i++ {
		existing := ids()
		pick := func() string {
			if len(existing) == 0 {
				return "missing"
			}
			return existing[r.IntN(len(existing))]
		}
		switch op := r.IntN(7); {
		case op == 0 || len(existing) == 0:
			next++
			_ = s.AppendTurn(Turn{ID: fmt.Sprintf("t%d", next)})
		case op == 1:
			_, _ = s.AppendResearchStep(pick(), ResearchStep{ID: fmt.Sprintf("s%d", r.IntN(4))})
		case op == 2:
			_, _ = s.UpdateOrAppendResearchStep(pick(), fmt.Sprintf("s%d", r.IntN(4)), "", "x")
		case op == 3:
			_, _ = s.SetCanvasVersion(pick(), r.IntN(4), "y", CanvasMode(r.IntN(2)))
		case op == 4:
			next++
			_ = s.RenameTurn(pick(), fmt.Sprintf("t%d", next))
		case op == 5:
			_, _ = s.ResetTurn(pick(), "")
		case op == 6 && r.IntN(50) == 0:
			_ = s.Replace("c", nil)
		}
		assertIndexConsistent(t, s)
	}
}
