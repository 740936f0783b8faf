// Package icon holds the images shown in the tray and in notifications
package icon

import (
	_ "embed"
)

// Logo is the application icon
//
//go:embed logo.ico
var Logo []byte

// Refresh decorates the re-scan menu item
//
//go:embed refresh.ico
var Refresh []byte

// Solo decorates the clear solo menu item
//
//go:embed solo.ico
var Solo []byte
