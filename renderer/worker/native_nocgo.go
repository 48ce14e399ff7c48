//go:build !linux || !cgo

package worker

import "errors"

// Without cgo there is no foreign-function boundary to load the native
// library through; the software generator handles everything.
func loadNative(path string, width, height int) (Backend, error) {
	return nil, errors.New("native backend requires cgo")
}
