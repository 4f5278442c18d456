package render

import (
	"image"
	"image/color"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
	"github.com/lanikai/dewarp/internal/distortion"
)

var errNoTexture = errors.New("render: no texture uploaded")

// Number of buffers in each window's swap chain. A presented frame stays
// intact until the same window has been presented to twice more.
const swapChainLength = 2

type window struct {
	buffers [swapChainLength]*image.NRGBA
	back    int
}

func (w *window) backBuffer(size device.Size) *image.NRGBA {
	b := w.buffers[w.back]
	if b == nil || b.Rect.Dx() != size.Width || b.Rect.Dy() != size.Height {
		b = imaging.New(size.Width, size.Height, color.Black)
		w.buffers[w.back] = b
	}
	return b
}

// Software is a CPU implementation of Backend. It runs the distortion program
// per pixel with bilinear texture sampling.
type Software struct {
	texture  *image.NRGBA
	windows  map[device.Surface]*window
	current  device.Surface
	viewport device.Size
	target   *image.NRGBA
}

func NewSoftware() *Software {
	return &Software{windows: make(map[device.Surface]*window)}
}

func (b *Software) Upload(img image.Image) error {
	if img == nil {
		return errors.New("render: nil image")
	}
	b.texture = imaging.Clone(img)
	return nil
}

func (b *Software) Bind(s device.Surface) error {
	if s == nil || !s.Valid() {
		return device.ErrSurfaceAbandoned
	}
	if _, ok := b.windows[s]; !ok {
		b.windows[s] = &window{}
	}
	b.current = s
	b.target = nil
	return nil
}

func (b *Software) Viewport(size device.Size) {
	b.viewport = size
	b.target = nil
	if w := b.windows[b.current]; w != nil && !size.Empty() {
		b.target = w.backBuffer(size)
	}
}

func (b *Software) Clear() {
	if b.target == nil {
		return
	}
	pix := b.target.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = 0, 0, 0, 0xff
	}
}

func (b *Software) Draw(p distortion.Params) error {
	if b.texture == nil {
		return errNoTexture
	}
	if b.target == nil {
		return errors.New("render: no viewport")
	}

	dst := b.target
	w, h := dst.Rect.Dx(), dst.Rect.Dy()
	tw, th := b.texture.Rect.Dx(), b.texture.Rect.Dy()

	for y := 0; y < h; y++ {
		v := (float64(y) + 0.5) / float64(h)
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			u := (float64(x) + 0.5) / float64(w)
			su, sv, ok := p.Correct(u, v)
			if !ok {
				// Outside the lens: solid black, never wrapped or clamped.
				row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = 0, 0, 0, 0xff
				continue
			}
			sample(b.texture, su*float64(tw)-0.5, sv*float64(th)-0.5, row[x*4:x*4+4])
		}
	}
	return nil
}

// sample writes the bilinear interpolation of tex at (fx, fy), in texel
// coordinates, into out.
func sample(tex *image.NRGBA, fx, fy float64, out []uint8) {
	maxX, maxY := tex.Rect.Dx()-1, tex.Rect.Dy()-1

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	ax := fx - float64(x0)
	ay := fy - float64(y0)

	x1, y1 := clampInt(x0+1, maxX), clampInt(y0+1, maxY)
	x0, y0 = clampInt(x0, maxX), clampInt(y0, maxY)

	i00 := y0*tex.Stride + x0*4
	i10 := y0*tex.Stride + x1*4
	i01 := y1*tex.Stride + x0*4
	i11 := y1*tex.Stride + x1*4
	for c := 0; c < 4; c++ {
		top := float64(tex.Pix[i00+c])*(1-ax) + float64(tex.Pix[i10+c])*ax
		bottom := float64(tex.Pix[i01+c])*(1-ax) + float64(tex.Pix[i11+c])*ax
		out[c] = uint8(top*(1-ay) + bottom*ay + 0.5)
	}
}

func clampInt(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func (b *Software) Present(ts time.Time, seq uint64) error {
	if b.current == nil || b.target == nil {
		return errors.New("render: nothing bound")
	}
	w := b.windows[b.current]
	err := b.current.Deliver(device.Frame{Image: b.target, Timestamp: ts, Sequence: seq})
	w.back = (w.back + 1) % swapChainLength
	b.target = nil
	return err
}

func (b *Software) Release(s device.Surface) {
	delete(b.windows, s)
	if b.current == s {
		b.current = nil
		b.target = nil
	}
}

func (b *Software) Close() {
	b.windows = make(map[device.Surface]*window)
	b.current = nil
	b.target = nil
	b.texture = nil
}
