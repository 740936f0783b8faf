//go:build !windows
// +build !windows

package util

func foregroundProcessID() (int, error) {
	return 0, ErrNoForegroundWindow
}
