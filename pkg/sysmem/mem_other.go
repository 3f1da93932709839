//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package sysmem

// totalSystemMemory returns 0 on unsupported platforms to trigger the
// default fallback.
func totalSystemMemory() (uint64, bool) {
	return 0, false
}
