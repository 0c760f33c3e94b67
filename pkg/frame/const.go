package frame

// Format is the pixel or bitstream format a video source emits.
type Format string

const (
	// YUV Formats

	// FormatI420 https://www.fourcc.org/pixel-format/yuv-i420/
	FormatI420 Format = "I420"
	// FormatNV12 https://www.fourcc.org/pixel-format/yuv-nv12/
	FormatNV12 Format = "NV12"
	// FormatNV21 https://www.fourcc.org/pixel-format/yuv-nv21/
	FormatNV21 Format = "NV21"
	// FormatYUY2 https://www.fourcc.org/pixel-format/yuv-yuy2/
	FormatYUY2 Format = "YUY2"
	// FormatUYVY https://www.fourcc.org/pixel-format/yuv-uyvy/
	FormatUYVY Format = "UYVY"

	// RGB Formats

	// FormatRGBA is 8 bits per channel, byte order R, G, B, A.
	FormatRGBA Format = "RGBA"

	// Compressed Formats

	// FormatMJPEG https://www.fourcc.org/mjpg/
	FormatMJPEG Format = "MJPEG"
	// FormatH264 is an Annex B H.264 elementary stream.
	FormatH264 Format = "H264"
)

// YUV aliases

// FormatYUYV is an alias of FormatYUY2
const FormatYUYV = FormatYUY2

// Compressed reports whether f carries a compressed bitstream that needs a
// decoder rather than a plain repack.
func (f Format) Compressed() bool {
	switch f {
	case FormatMJPEG, FormatH264:
		return true
	}
	return false
}
