// Package distortion implements the radial lens model used to correct frames
// before they reach an output target.
package distortion

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Params describe a radial polynomial lens model. Coordinates are normalized:
// the frame spans [0,1] on both axes and (CenterX, CenterY) is the optical
// center.
//
// K1 > 0 pulls a barrel-distorted image inward; K1 < 0 increases barrel
// distortion.
type Params struct {
	K1      float64 `mapstructure:"k1" json:"k1"`
	K2      float64 `mapstructure:"k2" json:"k2"`
	Zoom    float64 `mapstructure:"zoom" json:"zoom"`
	CenterX float64 `mapstructure:"center_x" json:"center_x"`
	CenterY float64 `mapstructure:"center_y" json:"center_y"`
}

// Identity returns parameters that leave every coordinate unchanged.
func Identity() Params {
	return Params{Zoom: 1, CenterX: 0.5, CenterY: 0.5}
}

func (p Params) Validate() error {
	if !(p.Zoom > 0) || math.IsInf(p.Zoom, 0) {
		return errors.Errorf("distortion: zoom must be positive, got %v", p.Zoom)
	}
	for _, v := range []float64{p.K1, p.K2, p.CenterX, p.CenterY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("distortion: non-finite parameter in %+v", p)
		}
	}
	return nil
}

// Correct maps an output coordinate to the input coordinate that should be
// sampled for it. ok is false when the sample falls outside the unit square,
// in which case the output pixel is black.
func (p Params) Correct(x, y float64) (sx, sy float64, ok bool) {
	cx := x - p.CenterX
	cy := y - p.CenterY
	r2 := cx*cx + cy*cy
	d := 1 + p.K1*r2 + p.K2*r2*r2

	sx = cx*d/p.Zoom + p.CenterX
	sy = cy*d/p.Zoom + p.CenterY
	ok = sx >= 0 && sx <= 1 && sy >= 0 && sy <= 1
	return
}

// Atomic holds the live parameter set. Readers always observe a complete set
// written by a single Store.
type Atomic struct {
	v atomic.Pointer[Params]
}

func NewAtomic(p Params) *Atomic {
	a := &Atomic{}
	a.Store(p)
	return a
}

func (a *Atomic) Load() Params {
	if p := a.v.Load(); p != nil {
		return *p
	}
	return Identity()
}

func (a *Atomic) Store(p Params) {
	a.v.Store(&p)
}
