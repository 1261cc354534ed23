//go:build !linux

package hardening

// Apply is a no-op on platforms without Landlock.
func Apply(cfg Config) error {
	cfg.logger().Debug("hardening: landlock not available on this platform")
	return nil
}
