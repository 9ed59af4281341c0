package align

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trackalign/internal/geom"
)

// TransformUpdater applies a proposed placement to one detector element.
// It returns false to reject the update; a rejection aborts the run.
// On success it must store the transform so that subsequent fits in ctx see
// the corrected geometry.
type TransformUpdater func(s *geom.Surface, ctx *geom.Context, t geom.Transform) bool

// ContextUpdater is the standard updater: it writes the proposed transform
// into the run's geometry context.
func ContextUpdater(s *geom.Surface, ctx *geom.Context, t geom.Transform) bool {
	ctx.SetTransform(s.ID, t)
	return true
}

// applyCorrections applies the solved delta to every registered element, in
// slot order. Each element's current transform is decomposed into its
// translation and Z-Y-X Euler angles, the six delta components are added,
// and the rebuilt transform is handed to the updater. The first rejection
// aborts immediately; no rollback of already-applied elements is attempted.
func applyCorrections(ctx *geom.Context, elements []*geom.Surface, delta *mat.VecDense, updater TransformUpdater) error {
	for slot, surf := range elements {
		var d [6]float64
		for k := 0; k < ParamsDim; k++ {
			d[k] = delta.AtVec(slot*ParamsDim + k)
		}
		proposed := surf.Transform(ctx).ApplyDelta(d)
		if !updater(surf, ctx, proposed) {
			log.Printf("[align] update of element %s (slot %d) rejected", surf.ID, slot)
			return fmt.Errorf("element %s: %w", surf.ID, ErrUpdateRejected)
		}
	}
	return nil
}
