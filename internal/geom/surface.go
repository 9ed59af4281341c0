package geom

import "sync"

// Context is the geometric context for one alignment run: an explicit store
// of current sensor placements keyed by surface ID. Sensor transforms are
// the only shared mutable state of a run; they must be updated only between
// iterations, never while track evaluation is in flight.
type Context struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewContext returns an empty context. Surfaces without an entry fall back
// to their nominal placement.
func NewContext() *Context {
	return &Context{transforms: make(map[string]Transform)}
}

// SetTransform stores the current placement for a surface ID.
func (c *Context) SetTransform(id string, t Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transforms[id] = t
}

// Lookup returns the stored placement for a surface ID, if any.
func (c *Context) Lookup(id string) (Transform, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transforms[id]
	return t, ok
}

// Surface is a planar detector sensor. The sensor measures local (x, y)
// coordinates in its plane; the plane normal is the local Z axis.
//
// The nominal placement is fixed at construction. The current placement
// lives in a Context so that alignment corrections never alias geometry
// shared with concurrent readers of another context.
type Surface struct {
	ID      string
	nominal Transform
}

// NewSurface creates a surface with the given nominal placement.
func NewSurface(id string, nominal Transform) *Surface {
	return &Surface{ID: id, nominal: nominal}
}

// Nominal returns the construction-time placement.
func (s *Surface) Nominal() Transform {
	return s.nominal
}

// Transform returns the current placement in ctx, falling back to the
// nominal placement. A nil ctx always yields the nominal placement.
func (s *Surface) Transform(ctx *Context) Transform {
	if ctx != nil {
		if t, ok := ctx.Lookup(s.ID); ok {
			return t
		}
	}
	return s.nominal
}

// Center returns the current placement center in ctx.
func (s *Surface) Center(ctx *Context) Vec3 {
	return s.Transform(ctx).Translation()
}

// Intersect returns the global intersection point of the line
// p(t) = point + t·dir with the surface plane in ctx, and whether the line
// crosses the plane (false when the line is parallel to it).
func (s *Surface) Intersect(ctx *Context, point, dir Vec3) (Vec3, bool) {
	tr := s.Transform(ctx)
	n := tr.Normal()
	denom := n.Dot(dir)
	if denom == 0 {
		return Vec3{}, false
	}
	t := n.Dot(tr.Translation().Sub(point)) / denom
	return point.Add(dir.Scale(t)), true
}

// LocalIntersection returns the in-plane (x, y) coordinates of the line's
// crossing point with the surface in ctx.
func (s *Surface) LocalIntersection(ctx *Context, point, dir Vec3) ([2]float64, bool) {
	hit, ok := s.Intersect(ctx, point, dir)
	if !ok {
		return [2]float64{}, false
	}
	loc := s.Transform(ctx).ToLocal(hit)
	return [2]float64{loc[0], loc[1]}, true
}
