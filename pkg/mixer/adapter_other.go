//go:build !windows && !linux
// +build !windows,!linux

package mixer

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

func newPlatformAdapter(logger *zap.SugaredLogger) (Adapter, error) {
	logger.Named("adapter").Warnw("No audio system support on this platform", "os", runtime.GOOS)

	return nil, fmt.Errorf("audio backend for %s: %w", runtime.GOOS, ErrUnsupported)
}
