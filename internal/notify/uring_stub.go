//go:build !giouring
// +build !giouring

package notify

import "fmt"

// NewRingWaiter is available when built with -tags giouring.
func NewRingWaiter(entries uint32) (Waiter, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
