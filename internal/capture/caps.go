package capture

import "fmt"

// Caps and launch-string fragments shared by the capture backends.

// DevicePath returns the V4L2 device node for a camera index.
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

// RawCaps constrains a raw camera stream.
func RawCaps(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

// JPEGCaps constrains a motion-JPEG camera stream.
func JPEGCaps(width, height, fps int) string {
	return fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

// CSICaps is the NVMM caps of nvarguscamerasrc.
func CSICaps(width, height, fps int) string {
	return fmt.Sprintf(
		"video/x-raw(memory:NVMM),width=(int)%d,height=(int)%d,format=(string)NV12,framerate=(fraction)%d/1",
		width, height, fps,
	)
}

// BGRxCaps is the system-memory output of nvvidconv.
func BGRxCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,width=(int)%d,height=(int)%d,format=(string)BGRx", width, height)
}

// RGBCaps is the format every backend delivers to the worker.
func RGBCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}

// CSILaunch is the full launch line for a CSI camera ending in appsink,
// for backends that take a pipeline description (OpenCV).
func CSILaunch(width, height, fps int) string {
	return "nvarguscamerasrc ! " + CSICaps(width, height, fps) +
		" ! nvvidconv ! " + BGRxCaps(width, height) +
		" ! videoconvert ! video/x-raw,format=BGR ! appsink"
}

// PackRGB returns tightly packed RGB24 rows. GStreamer pads raw video rows to
// a 4-byte stride, so a width*3 not divisible by 4 arrives with padding.
// Returns nil if data is too short for the given geometry.
func PackRGB(data []byte, width, height int) []byte {
	row := width * 3
	if height <= 0 || row <= 0 {
		return nil
	}
	if len(data) == row*height {
		return data
	}

	stride := len(data) / height
	if stride < row {
		return nil
	}

	packed := make([]byte, row*height)
	for y := 0; y < height; y++ {
		copy(packed[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return packed
}
