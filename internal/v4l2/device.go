//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanikai/dewarp/internal/device"
)

// Number of kernel driver buffers requested for streaming.
const numBuffers = 4

// A V4L2 character device.
type char struct {
	// Device path, usually "/dev/video0".
	path string

	// File descriptor, opened non-blocking.
	fd int

	// Memory-mapped kernel buffers.
	buffers [][]byte

	// Negotiated format.
	format uint32
	size   device.Size
	stride int
}

func openChar(path string) (*char, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &char{path: path, fd: fd}, nil
}

func (c *char) close() error {
	c.unmapMemory()
	return unix.Close(c.fd)
}

func (c *char) queryCapability() (v4l2Capability, error) {
	var vc v4l2Capability
	err := ioctl(c.fd, vidiocQueryCap, unsafe.Pointer(&vc))
	return vc, err
}

// isCapture reports whether the node streams video, as opposed to metadata
// nodes that uvcvideo registers alongside each camera.
func (vc v4l2Capability) isCapture() bool {
	caps := vc.capabilities
	if caps&capDeviceCaps != 0 {
		caps = vc.deviceCaps
	}
	return caps&capVideoCapture != 0 && caps&capStreaming != 0
}

// frameSizes lists the discrete frame sizes offered for format.
func (c *char) frameSizes(format uint32) []device.Size {
	var sizes []device.Size
	for i := uint32(0); ; i++ {
		fs := v4l2FrmSizeEnum{index: i, pixelFormat: format}
		if err := ioctl(c.fd, vidiocEnumFrameSizes, unsafe.Pointer(&fs)); err != nil {
			break
		}
		if fs.typ != frmSizeDiscrete {
			// Stepwise or continuous; offer the maximum.
			sizes = append(sizes, device.Size{Width: int(fs.stepwise[0]), Height: int(fs.stepwise[2])})
			break
		}
		sizes = append(sizes, device.Size{Width: int(fs.width), Height: int(fs.height)})
	}
	return sizes
}

// setFormat negotiates the first supported pixel format at the given size.
// The driver may adjust the size.
func (c *char) setFormat(size device.Size) error {
	for _, f := range formats {
		vf := v4l2Format{
			typ: bufTypeVideoCapture,
			pix: v4l2PixFormat{
				width:       uint32(size.Width),
				height:      uint32(size.Height),
				pixelformat: f,
				field:       fieldAny,
			},
		}
		if err := ioctl(c.fd, vidiocSFmt, unsafe.Pointer(&vf)); err != nil {
			return err
		}
		if vf.pix.pixelformat == f {
			c.format = f
			c.size = device.Size{Width: int(vf.pix.width), Height: int(vf.pix.height)}
			c.stride = int(vf.pix.bytesperline)
			return nil
		}
	}
	return errors.Errorf("v4l2: %s supports neither MJPG nor YUYV", c.path)
}

func (c *char) requestBuffers(n int) error {
	rb := v4l2RequestBuffers{
		count:  uint32(n),
		typ:    bufTypeVideoCapture,
		memory: memoryMMAP,
	}
	return ioctl(c.fd, vidiocReqBufs, unsafe.Pointer(&rb))
}

func (c *char) mapMemory() error {
	if c.buffers != nil {
		return errors.New("v4l2: memory already mapped")
	}
	if err := c.requestBuffers(numBuffers); err != nil {
		return err
	}

	for i := 0; i < numBuffers; i++ {
		qb := v4l2Buffer{index: uint32(i), typ: bufTypeVideoCapture, memory: memoryMMAP}
		if err := ioctl(c.fd, vidiocQueryBuf, unsafe.Pointer(&qb)); err != nil {
			c.unmapMemory()
			return err
		}
		b, err := unix.Mmap(c.fd, int64(uint32(qb.m)), int(qb.length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			c.unmapMemory()
			return err
		}
		c.buffers = append(c.buffers, b)
	}
	return nil
}

func (c *char) unmapMemory() {
	for _, b := range c.buffers {
		unix.Munmap(b)
	}
	if c.buffers != nil {
		c.buffers = nil
		c.requestBuffers(0)
	}
}

func (c *char) enqueue(index int) error {
	qb := v4l2Buffer{index: uint32(index), typ: bufTypeVideoCapture, memory: memoryMMAP}
	return ioctl(c.fd, vidiocQBuf, unsafe.Pointer(&qb))
}

func (c *char) dequeue() (index, n int, err error) {
	qb := v4l2Buffer{typ: bufTypeVideoCapture, memory: memoryMMAP}
	err = ioctl(c.fd, vidiocDQBuf, unsafe.Pointer(&qb))
	return int(qb.index), int(qb.bytesused), err
}

// Start video capture.
func (c *char) start() error {
	for i := range c.buffers {
		if err := c.enqueue(i); err != nil {
			return err
		}
	}
	typ := uint32(bufTypeVideoCapture)
	return ioctl(c.fd, vidiocStreamOn, unsafe.Pointer(&typ))
}

// Stop video capture. Outstanding buffers are dequeued by the driver.
func (c *char) stop() error {
	typ := uint32(bufTypeVideoCapture)
	return ioctl(c.fd, vidiocStreamOff, unsafe.Pointer(&typ))
}

// readFrame copies the next filled buffer. ok is false if no frame arrived
// within timeoutMs.
func (c *char) readFrame(timeoutMs int) (data []byte, ok bool, err error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, false, nil
		}
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return nil, false, unix.ENODEV
	}

	index, used, err := c.dequeue()
	if err == unix.EAGAIN {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if index < 0 || index >= len(c.buffers) {
		return nil, false, errors.Errorf("v4l2: driver returned buffer %d", index)
	}

	data = append([]byte(nil), c.buffers[index][:used]...)
	return data, true, c.enqueue(index)
}
