//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers, from <linux/videodev2.h> on 64-bit targets.
const (
	vidiocQueryCap       = 0x80685600
	vidiocSFmt           = 0xc0d05605
	vidiocReqBufs        = 0xc0145608
	vidiocQueryBuf       = 0xc0585609
	vidiocQBuf           = 0xc058560f
	vidiocDQBuf          = 0xc0585611
	vidiocStreamOn       = 0x40045612
	vidiocStreamOff      = 0x40045613
	vidiocEnumFrameSizes = 0xc02c564a
)

const (
	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000

	bufTypeVideoCapture = 1
	memoryMMAP          = 1
	fieldAny            = 0
	frmSizeDiscrete     = 1
)

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2FrmSizeEnum struct {
	index       uint32
	pixelFormat uint32
	typ         uint32
	width       uint32 // discrete.width or stepwise.min_width
	height      uint32
	stepwise    [4]uint32
	reserved    [2]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2Format struct {
	typ uint32
	_   uint32
	pix v4l2PixFormat
	_   [152]byte
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint32
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	sec       int64
	usec      int64
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         uint64 // offset for MMAP buffers, in the low word
	length    uint32
	reserved2 uint32
	requestFD uint32
	_         uint32
}

func ioctl(fd int, request uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(request),
		uintptr(arg),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
