// index.go — turn-id → 位置, turn-id → (version → 位置) 派生索引。
package timeline

// Index caches positions to avoid linear scans per frame. It is a cache,
// not a source of truth: Rebuild whenever the turn count changes and Patch
// when a research step or canvas version is created.
type Index struct {
	turns    map[string]int
	versions map[string]map[int]int
	steps    map[string]map[string]int
}

// NewIndex 创建空索引。
func NewIndex() *Index {
	return &Index{
		turns:    map[string]int{},
		versions: map[string]map[int]int{},
		steps:    map[string]map[string]int{},
	}
}

// Rebuild recomputes every map from turns. O(n).
func (x *Index) Rebuild(turns []Turn) {
	x.turns = make(map[string]int, len(turns))
	x.versions = make(map[string]map[int]int, len(turns))
	x.steps = make(map[string]map[string]int, len(turns))
	for i, t := range turns {
		x.turns[t.ID] = i
		x.indexTurnChildren(t)
	}
}

func (x *Index) indexTurnChildren(t Turn) {
	delete(x.versions, t.ID)
	delete(x.steps, t.ID)
	if t.Canvas != nil {
		for j, v := range t.Canvas.Versions {
			x.PatchVersion(t.ID, v.Version, j)
		}
	}
	for j, s := range t.Research {
		x.PatchStep(t.ID, s.ID, j)
	}
}

// PatchVersion records a new canvas version position. O(1).
func (x *Index) PatchVersion(turnID string, version, pos int) {
	m := x.versions[turnID]
	if m == nil {
		m = map[int]int{}
		x.versions[turnID] = m
	}
	m[version] = pos
}

// PatchStep records a new research step position. O(1).
func (x *Index) PatchStep(turnID, stepID string, pos int) {
	m := x.steps[turnID]
	if m == nil {
		m = map[string]int{}
		x.steps[turnID] = m
	}
	m[stepID] = pos
}

// Rename moves every entry of old to new. Turn count is unchanged.
func (x *Index) Rename(oldID, newID string) {
	if pos, ok := x.turns[oldID]; ok {
		delete(x.turns, oldID)
		x.turns[newID] = pos
	}
	if m, ok := x.versions[oldID]; ok {
		delete(x.versions, oldID)
		x.versions[newID] = m
	}
	if m, ok := x.steps[oldID]; ok {
		delete(x.steps, oldID)
		x.steps[newID] = m
	}
}

// Position 返回 turn 在时间线中的位置。
func (x *Index) Position(turnID string) (int, bool) {
	pos, ok := x.turns[turnID]
	return pos, ok
}

// Version 返回 canvas version 在版本列表中的位置。
func (x *Index) Version(turnID string, version int) (int, bool) {
	pos, ok := x.versions[turnID][version]
	return pos, ok
}

// Step 返回 research step 在列表中的位置。
func (x *Index) Step(turnID, stepID string) (int, bool) {
	pos, ok := x.steps[turnID][stepID]
	return pos, ok
}

// Len 已索引的 turn 数。
func (x *Index) Len() int { return len(x.turns) }
