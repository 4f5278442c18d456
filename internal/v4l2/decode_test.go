package v4l2

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/dewarp/internal/device"
)

func TestFourcc(t *testing.T) {
	assert.Equal(t, "MJPG", fourcc(PixFmtMJPEG))
	assert.Equal(t, "YUYV", fourcc(PixFmtYUYV))
	assert.Equal(t, uint32(0x47504a4d), PixFmtMJPEG)
	assert.Equal(t, uint32(0x56595559), PixFmtYUYV)
}

func TestDecodeYUYV(t *testing.T) {
	size := device.Size{Width: 4, Height: 2}
	// Row 0: two pixel pairs; row 1 padded to a stride of 10 bytes.
	data := []byte{
		10, 100, 20, 200, 30, 110, 40, 210, 0, 0,
		50, 120, 60, 220, 70, 130, 80, 230, 0, 0,
	}
	img, err := decode(PixFmtYUYV, data, size, 10)
	require.NoError(t, err)

	ycc := img.(*image.YCbCr)
	assert.Equal(t, image.Rect(0, 0, 4, 2), ycc.Bounds())
	assert.Equal(t, color.YCbCr{Y: 20, Cb: 100, Cr: 200}, ycc.YCbCrAt(1, 0))
	assert.Equal(t, color.YCbCr{Y: 30, Cb: 110, Cr: 210}, ycc.YCbCrAt(2, 0))
	assert.Equal(t, color.YCbCr{Y: 80, Cb: 130, Cr: 230}, ycc.YCbCrAt(3, 1))
}

func TestDecodeYUYVShortFrame(t *testing.T) {
	_, err := decode(PixFmtYUYV, make([]byte, 10), device.Size{Width: 4, Height: 2}, 0)
	assert.Error(t, err)

	_, err = decode(PixFmtYUYV, make([]byte, 64), device.Size{Width: 3, Height: 2}, 0)
	assert.Error(t, err)
}

func TestDecodeMJPEG(t *testing.T) {
	src := imaging.New(16, 8, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}))

	img, err := decode(PixFmtMJPEG, buf.Bytes(), device.Size{Width: 16, Height: 8}, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	r, g, _, _ := img.At(8, 4).RGBA()
	assert.InDelta(t, 200, r>>8, 10)
	assert.InDelta(t, 40, g>>8, 10)

	_, err = decode(PixFmtMJPEG, []byte("not a jpeg"), device.Size{}, 0)
	assert.Error(t, err)
}

func TestDecodeUnknownFormat(t *testing.T) {
	_, err := decode(0x34363248, nil, device.Size{}, 0)
	assert.EqualError(t, err, "v4l2: unsupported pixel format H264")
}
