package v4l2

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/lanikai/dewarp/internal/device"
)

// Pixel formats, as little-endian fourcc codes.
const (
	PixFmtMJPEG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	PixFmtYUYV  uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
)

// Formats in order of preference.
var formats = []uint32{PixFmtMJPEG, PixFmtYUYV}

func fourcc(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// decode converts one captured buffer into an image.
func decode(format uint32, data []byte, size device.Size, stride int) (image.Image, error) {
	switch format {
	case PixFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "v4l2: decode mjpeg")
		}
		return img, nil
	case PixFmtYUYV:
		return decodeYUYV(data, size, stride)
	}
	return nil, errors.Errorf("v4l2: unsupported pixel format %s", fourcc(format))
}

// decodeYUYV maps packed 4:2:2 (Y0 U Y1 V) onto image.YCbCr without color
// conversion.
func decodeYUYV(data []byte, size device.Size, stride int) (*image.YCbCr, error) {
	w, h := size.Width, size.Height
	if w <= 0 || h <= 0 || w%2 != 0 {
		return nil, errors.Errorf("v4l2: bad yuyv frame size %s", size)
	}
	if stride < 2*w {
		stride = 2 * w
	}
	if len(data) < stride*(h-1)+2*w {
		return nil, errors.Errorf("v4l2: short yuyv frame: %d bytes for %s", len(data), size)
	}

	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	for y := 0; y < h; y++ {
		row := data[y*stride : y*stride+2*w]
		yo := y * img.YStride
		co := y * img.CStride
		for i := 0; i < w/2; i++ {
			p := row[4*i : 4*i+4]
			img.Y[yo+2*i] = p[0]
			img.Cb[co+i] = p[1]
			img.Y[yo+2*i+1] = p[2]
			img.Cr[co+i] = p[3]
		}
	}
	return img, nil
}
