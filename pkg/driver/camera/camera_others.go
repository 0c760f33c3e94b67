//go:build !linux

package camera

import "github.com/syncflow/mediacore/pkg/driver"

// discover finds nothing on platforms without a V4L2 backend.
func discover(m *driver.Manager) error {
	return nil
}
