package mixer

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/soundmixer/soundmixer/pkg/mixer/icon"
	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides desktop notifications through the OS notification center
type ToastNotifier struct {
	logger *zap.SugaredLogger

	lock    sync.Mutex
	enabled bool
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger, enabled: true}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled turns notifications on or off, following the notifications config key
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.lock.Lock()
	defer tn.lock.Unlock()

	tn.enabled = enabled
}

// Notify sends a toast notification (or the equivalent on other platforms)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.lock.Lock()
	enabled := tn.enabled
	tn.lock.Unlock()

	if !enabled {
		tn.logger.Debugw("Notifications disabled, dropping", "title", title, "message", message)
		return
	}

	// the icon has to live on disk for the notification center to pick it up
	appIconPath := filepath.Join(os.TempDir(), "soundmixer.ico")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("Icon file missing, creating", "path", appIconPath)

		if err := os.WriteFile(appIconPath, icon.Logo, 0o644); err != nil {
			tn.logger.Errorw("Failed to write icon file", "error", err)
			return
		}
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
