// store.go — 时间线存储: turn 级 copy-on-write + 索引维护。
package timeline

import (
	"strings"
	"sync"

	"github.com/samber/lo"

	apperrors "github.com/multi-agent/answer-stream/pkg/errors"
)

// ErrTurnNotFound is returned for an unknown turn id.
var ErrTurnNotFound = apperrors.Wrap(apperrors.ErrNotFound, "timeline", "turn not found")

// CanvasMode selects how SetCanvasVersion applies text.
type CanvasMode int

const (
	CanvasAppend CanvasMode = iota
	CanvasReplace
)

// Store owns the turns slice and its Index.
//
// Every mutation stores a new Turn value and a new turns slice, so a
// Snapshot taken earlier never changes. Safe for concurrent use; writes are
// expected to come from a single owner.
type Store struct {
	mu             sync.RWMutex
	turns          []Turn
	index          *Index
	conversationID string
	revision       uint64
	minOverlap     int
}

// NewStore 创建空时间线。minOverlap 为 research 标题去重的最小重叠字节数。
func NewStore(minOverlap int) *Store {
	if minOverlap < 1 {
		minOverlap = 1
	}
	return &Store{index: NewIndex(), minOverlap: minOverlap}
}

func notFound(op, id string) error {
	return apperrors.Wrapf(ErrTurnNotFound, op, "turn %q", id)
}

// ========================================
// 读
// ========================================

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ConversationID: s.conversationID,
		Revision:       s.revision,
		Turns:          s.turns,
	}
}

// Turn returns a private copy of the turn.
func (s *Store) Turn(id string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return Turn{}, notFound("Store.Turn", id)
	}
	return cloneTurn(s.turns[pos]), nil
}

// Position 返回 turn 位置。
func (s *Store) Position(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Position(id)
}

// Previous returns the id of the turn immediately before id, or "" when id
// is the first turn.
func (s *Store) Previous(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return "", notFound("Store.Previous", id)
	}
	if pos == 0 {
		return "", nil
	}
	return s.turns[pos-1].ID, nil
}

// Last 返回最后一个 turn 的 id。
func (s *Store) Last() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return "", false
	}
	return s.turns[len(s.turns)-1].ID, true
}

// Len 返回 turn 数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// ConversationID 当前会话 id。
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// ========================================
// 写
// ========================================

// SetConversationID records the conversation id and reports whether it was
// previously empty.
func (s *Store) SetConversationID(id string) (first bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == id {
		return false
	}
	first = s.conversationID == ""
	s.conversationID = id
	s.revision++
	return first
}

// AppendTurn adds a turn at the end. The id must be non-empty and unique.
func (s *Store) AppendTurn(t Turn) error {
	if strings.TrimSpace(t.ID) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Store.AppendTurn", "empty turn id")
	}
	if t.Status == "" {
		t.Status = StatusCreated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index.Position(t.ID); ok {
		return apperrors.Wrapf(apperrors.ErrConflict, "Store.AppendTurn", "duplicate turn %q", t.ID)
	}
	list := make([]Turn, 0, len(s.turns)+1)
	list = append(list, s.turns...)
	list = append(list, cloneTurn(t))
	s.turns = list
	s.index.Rebuild(s.turns)
	s.revision++
	return nil
}

// UpdateTurn applies patch to a copy of the turn and stores the copy.
func (s *Store) UpdateTurn(id string, patch func(*Turn)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return notFound("Store.UpdateTurn", id)
	}
	s.patchLocked(pos, func(t *Turn) bool {
		patch(t)
		t.ID = id
		return true
	})
	// patch 可能替换了 research / canvas
	s.index.indexTurnChildren(s.turns[pos])
	return nil
}

// patchLocked 写时复制: 新 turn + 新切片。fn 返回 false 时放弃修改。
func (s *Store) patchLocked(pos int, fn func(*Turn) bool) bool {
	item := cloneTurn(s.turns[pos])
	if !fn(&item) {
		return false
	}
	list := append([]Turn(nil), s.turns...)
	list[pos] = item
	s.turns = list
	s.revision++
	return true
}

// AppendResearchStep inserts step unless a step with the same id exists.
// It reports whether the timeline changed.
func (s *Store) AppendResearchStep(id string, step ResearchStep) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return false, notFound("Store.AppendResearchStep", id)
	}
	if _, exists := s.index.Step(id, step.ID); exists {
		return false, nil
	}
	var at int
	changed := s.patchLocked(pos, func(t *Turn) bool {
		t.Research = append(t.Research, step)
		at = len(t.Research) - 1
		return true
	})
	s.index.PatchStep(id, step.ID, at)
	return changed, nil
}

// UpdateOrAppendResearchStep appends text to the step's title, stripping
// any prefix of text that already sits at the tail of the title. An unseen
// step id creates a new step.
func (s *Store) UpdateOrAppendResearchStep(id, stepID, agent, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return false, notFound("Store.UpdateOrAppendResearchStep", id)
	}

	if at, exists := s.index.Step(id, stepID); exists {
		return s.patchLocked(pos, func(t *Turn) bool {
			step := &t.Research[at]
			merged := MergeOverlap(step.Title, text, s.minOverlap)
			if merged == step.Title {
				return false
			}
			step.Title = merged
			if step.Agent == "" {
				step.Agent = agent
			}
			return true
		}), nil
	}

	var at int
	changed := s.patchLocked(pos, func(t *Turn) bool {
		t.Research = append(t.Research, ResearchStep{ID: stepID, Agent: agent, Title: text})
		at = len(t.Research) - 1
		return true
	})
	s.index.PatchStep(id, stepID, at)
	return changed, nil
}

// SetCanvasVersion appends to or replaces the content of a canvas version.
// A missing canvas is created; an unseen version number is added. version
// values below 1 address version 1.
func (s *Store) SetCanvasVersion(id string, version int, text string, mode CanvasMode) (bool, error) {
	if version < 1 {
		version = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return false, notFound("Store.SetCanvasVersion", id)
	}

	at, exists := s.index.Version(id, version)
	created := -1
	changed := s.patchLocked(pos, func(t *Turn) bool {
		if t.Canvas == nil {
			t.Canvas = &Canvas{}
		}
		if !exists {
			t.Canvas.Versions = append(t.Canvas.Versions, CanvasVersion{Version: version, Content: text})
			created = len(t.Canvas.Versions) - 1
			return true
		}
		v := &t.Canvas.Versions[at]
		switch mode {
		case CanvasReplace:
			if v.Content == text {
				return false
			}
			v.Content = text
		default:
			if text == "" {
				return false
			}
			v.Content += text
		}
		return true
	})
	if created >= 0 {
		s.index.PatchVersion(id, version, created)
	}
	return changed, nil
}

// RenameTurn changes a turn id, e.g. when the server assigns one to an
// optimistic turn.
func (s *Store) RenameTurn(oldID, newID string) error {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Store.RenameTurn", "empty turn id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(oldID)
	if !ok {
		return notFound("Store.RenameTurn", oldID)
	}
	if oldID == newID {
		return nil
	}
	if _, taken := s.index.Position(newID); taken {
		return apperrors.Wrapf(apperrors.ErrConflict, "Store.RenameTurn", "turn %q exists", newID)
	}
	s.patchLocked(pos, func(t *Turn) bool {
		t.ID = newID
		return true
	})
	s.index.Rename(oldID, newID)
	// 后继 turn 的 previous 链接跟随改名
	for i := pos + 1; i < len(s.turns); i++ {
		if s.turns[i].PreviousTurnID == oldID {
			s.patchLocked(i, func(t *Turn) bool {
				t.PreviousTurnID = newID
				return true
			})
		}
	}
	return nil
}

// ResetTurn clears the transient fields of a turn for retry and returns the
// reset copy.
func (s *Store) ResetTurn(id, agentMode string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index.Position(id)
	if !ok {
		return Turn{}, notFound("Store.ResetTurn", id)
	}
	s.patchLocked(pos, func(t *Turn) bool {
		t.resetForRetry(agentMode)
		return true
	})
	s.index.indexTurnChildren(s.turns[pos])
	return cloneTurn(s.turns[pos]), nil
}

// Replace resets the whole timeline, e.g. when another conversation is
// loaded. Turn ids must be unique and non-empty.
func (s *Store) Replace(conversationID string, turns []Turn) error {
	if dups := lo.FindDuplicatesBy(turns, func(t Turn) string { return t.ID }); len(dups) > 0 {
		return apperrors.Wrapf(apperrors.ErrConflict, "Store.Replace", "duplicate turn %q", dups[0].ID)
	}
	if lo.ContainsBy(turns, func(t Turn) bool { return strings.TrimSpace(t.ID) == "" }) {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "Store.Replace", "empty turn id")
	}
	list := lo.Map(turns, func(t Turn, _ int) Turn {
		t = cloneTurn(t)
		if t.Status == "" {
			t.Status = StatusCreated
		}
		return t
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = list
	s.conversationID = strings.TrimSpace(conversationID)
	s.index.Rebuild(s.turns)
	s.revision++
	return nil
}

// ========================================
// research 标题去重
// ========================================

// MergeOverlap appends fragment to current, dropping the longest prefix of
// fragment (at least minOverlap bytes) that current already ends with. A
// fragment already present at the tail leaves current unchanged.
//
// This guards against retransmitted fragments only. Reordered fragments
// still corrupt the title.
func MergeOverlap(current, fragment string, minOverlap int) string {
	if fragment == "" {
		return current
	}
	if strings.HasSuffix(current, fragment) {
		return current
	}
	if minOverlap < 1 {
		minOverlap = 1
	}
	for n := min(len(current), len(fragment)); n >= minOverlap; n-- {
		if strings.HasSuffix(current, fragment[:n]) {
			return current + fragment[n:]
		}
	}
	return current + fragment
}
