//go:build windows
// +build windows

package util

import (
	"github.com/lxn/win"
)

func foregroundProcessID() (int, error) {
	hwnd := win.GetForegroundWindow()
	if hwnd == 0 {
		return 0, ErrNoForegroundWindow
	}

	var pid uint32
	win.GetWindowThreadProcessId(hwnd, &pid)

	if pid == 0 {
		return 0, ErrNoForegroundWindow
	}

	return int(pid), nil
}
