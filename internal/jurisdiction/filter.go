package jurisdiction

import (
	"sync"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/geometry"
)

// View holds the standing constraint of a session's view of the staging
// dataset. The table's display filter lives in selection.State.
type View struct {
	mu       sync.RWMutex
	standing *model.Geometry
}

// Constraint is what every selection query must respect. nil means none.
func (v *View) Constraint() *model.Geometry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.standing
}

type Filter struct{}

// Apply makes boundary the standing constraint of v.
func (Filter) Apply(v *View, boundary *model.Geometry) {
	v.mu.Lock()
	v.standing = boundary
	v.mu.Unlock()
}

// Reset returns the standing constraint the display filter goes back to.
func (Filter) Reset(v *View) *model.Geometry {
	return v.Constraint()
}

// Admits reports whether g may appear under v's constraint. An absent
// constraint admits everything; an empty one admits nothing.
func (Filter) Admits(v *View, g model.Geometry) bool {
	c := v.Constraint()
	if c == nil {
		return true
	}
	if geometry.IsEmpty(c.Geom) || g.IsZero() {
		return false
	}
	ok, err := geometry.IntersectsIn(*c, g)
	return err == nil && ok
}
