// Package selection keeps the selected feature set, its highlight handles
// and the table view in step.
package selection

import (
	"errors"
	"slices"
	"sync"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

var ErrReleased = errors.New("selection released")

// Handle is one live highlight. Release is called exactly once.
type Handle interface {
	Release()
}

type Highlighter interface {
	Highlight(id model.FeatureID) Handle
}

// Change describes one state transition.
type Change struct {
	Added   []model.FeatureID `json:"added,omitempty"`
	Removed []model.FeatureID `json:"removed,omitempty"`
	// Filter is the table filter after the change; only meaningful when
	// FilterChanged is set.
	Filter        *model.Geometry `json:"filter,omitempty"`
	FilterChanged bool            `json:"filter_changed,omitempty"`
	Cleared       bool            `json:"cleared,omitempty"`
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && !c.FilterChanged && !c.Cleared
}

// Entry is one row of the ordered results list; Order starts at 1.
type Entry struct {
	Order int             `json:"order"`
	ID    model.FeatureID `json:"id"`
}

// Table is the table view: highlighted rows and the geometry it is
// filtered to.
type Table struct {
	Rows   []model.FeatureID `json:"rows"`
	Filter *model.Geometry   `json:"filter,omitempty"`
}

// State is safe for concurrent use. Subscribers run while the state lock
// is held and must not call back into State.
type State struct {
	mu       sync.Mutex
	ids      []model.FeatureID
	handles  map[model.FeatureID]Handle
	filter   *model.Geometry
	standing *model.Geometry
	hl       Highlighter
	subs     map[int]func(Change)
	nextSub  int
	released bool
}

func New(hl Highlighter) *State {
	if hl == nil {
		hl = nopHighlighter{}
	}
	return &State{
		handles: map[model.FeatureID]Handle{},
		hl:      hl,
		subs:    map[int]func(Change){},
	}
}

// Subscribe registers fn for every non-empty change. The returned func
// unsubscribes.
func (s *State) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Add selects ids; ids already selected are ignored.
func (s *State) Add(ids ...model.FeatureID) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	c := Change{Added: s.add(ids)}
	s.emit(c)
	return c, nil
}

// Remove deselects ids and releases their highlights.
func (s *State) Remove(ids ...model.FeatureID) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	c := Change{Removed: s.remove(ids)}
	s.emit(c)
	return c, nil
}

// Clear empties the selection and resets the table filter to the standing
// boundary.
func (s *State) Clear() (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	c := Change{
		Removed:       s.remove(slices.Clone(s.ids)),
		Cleared:       true,
		FilterChanged: true,
		Filter:        s.standing,
	}
	s.filter = s.standing
	s.emit(c)
	return c, nil
}

// Replace applies a query result: ids outside the result are deselected,
// new ones selected, and the table is filtered to the query geometry.
func (s *State) Replace(ids []model.FeatureID, filter *model.Geometry) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	keep := make(map[model.FeatureID]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var drop []model.FeatureID
	for _, id := range s.ids {
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
	}
	c := Change{
		Removed:       s.remove(drop),
		Added:         s.add(ids),
		FilterChanged: true,
		Filter:        filter,
	}
	s.filter = filter
	s.emit(c)
	return c, nil
}

// ApplyTableChange applies a highlight change raised by the table view.
func (s *State) ApplyTableChange(added, removed []model.FeatureID) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	c := Change{Removed: s.remove(removed), Added: s.add(added)}
	s.emit(c)
	return c, nil
}

// SetStanding sets the boundary Clear resets the table filter to.
func (s *State) SetStanding(boundary *model.Geometry) {
	s.mu.Lock()
	s.standing = boundary
	s.mu.Unlock()
}

// ResetFilter puts the table filter back to the standing boundary without
// touching the selection.
func (s *State) ResetFilter() (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return Change{}, ErrReleased
	}
	s.filter = s.standing
	c := Change{FilterChanged: true, Filter: s.filter}
	s.emit(c)
	return c, nil
}

func (s *State) IDs() []model.FeatureID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *State) Contains(id model.FeatureID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

// Snapshot returns the ordered results list.
func (s *State) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.ids))
	for i, id := range s.ids {
		out[i] = Entry{Order: i + 1, ID: id}
	}
	return out
}

func (s *State) Table() Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Table{Rows: slices.Clone(s.ids), Filter: s.filter}
}

// Highlighted lists ids that hold a live highlight handle.
func (s *State) Highlighted() []model.FeatureID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FeatureID, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Release drops every highlight and subscriber. Further mutations fail
// with ErrReleased. Safe to call more than once.
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.remove(slices.Clone(s.ids))
	s.released = true
	s.subs = map[int]func(Change){}
}

func (s *State) add(ids []model.FeatureID) []model.FeatureID {
	var added []model.FeatureID
	for _, id := range ids {
		if _, ok := s.handles[id]; ok {
			continue
		}
		s.handles[id] = s.hl.Highlight(id)
		s.ids = append(s.ids, id)
		added = append(added, id)
	}
	return added
}

func (s *State) remove(ids []model.FeatureID) []model.FeatureID {
	var removed []model.FeatureID
	for _, id := range ids {
		h, ok := s.handles[id]
		if !ok {
			continue
		}
		delete(s.handles, id)
		if h != nil {
			h.Release()
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		s.ids = slices.DeleteFunc(s.ids, func(id model.FeatureID) bool {
			_, ok := s.handles[id]
			return !ok
		})
	}
	return removed
}

func (s *State) emit(c Change) {
	if c.Empty() {
		return
	}
	for _, fn := range s.subs {
		fn(c)
	}
}

type nopHighlighter struct{}

func (nopHighlighter) Highlight(model.FeatureID) Handle { return nopHandle{} }

type nopHandle struct{}

func (nopHandle) Release() {}
