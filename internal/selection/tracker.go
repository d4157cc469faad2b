package selection

import (
	"sync/atomic"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

// Tracker is a Highlighter that counts live handles and detects handles
// released twice.
type Tracker struct {
	live    atomic.Int64
	doubles atomic.Int64
}

func (t *Tracker) Highlight(model.FeatureID) Handle {
	t.live.Add(1)
	return &trackedHandle{t: t}
}

func (t *Tracker) Live() int64 { return t.live.Load() }

func (t *Tracker) DoubleReleases() int64 { return t.doubles.Load() }

type trackedHandle struct {
	t        *Tracker
	released atomic.Bool
}

func (h *trackedHandle) Release() {
	if h.released.Swap(true) {
		h.t.doubles.Add(1)
		return
	}
	h.t.live.Add(-1)
}
