/*
Package camera provides a video camera driver.

# Device Label Generation Rules

On Linux, the device label is the name of the stable link under
/dev/v4l/by-path, for example:

	pci-0000:00:14.0-usb-0:1:1.0-video-index0

If /dev/v4l/by-path is not available (for example in a docker container
without bindings in /dev/v4l/by-path/), it falls back to the device node name:

	video0
*/
package camera

import (
	"github.com/syncflow/mediacore/pkg/driver"
)

func init() {
	driver.RegisterBackend(driver.Backend{
		Name:     "camera",
		Discover: discover,
	})
}

// fourcc packs a V4L2 pixel format code.
func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}
