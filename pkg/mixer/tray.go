package mixer

import (
	"context"
	"os"

	"github.com/getlantern/systray"

	"github.com/soundmixer/soundmixer/pkg/mixer/icon"
	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

func (m *Mixer) initializeTray(onDone func()) {
	logger := m.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("SoundMixer")
		systray.SetTooltip("SoundMixer")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")
		editConfig.SetIcon(icon.Logo)

		refreshSessions := systray.AddMenuItem("Re-scan audio sessions", "Manually refresh audio sessions and devices if something's stuck")
		refreshSessions.SetIcon(icon.Refresh)

		clearSolo := systray.AddMenuItem("Clear solo", "Unmute everything that's muted by an active solo")
		clearSolo.SetIcon(icon.Solo)

		// Only enable stack trace dump in verbose/debug mode
		var dumpStack *systray.MenuItem
		if m.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
			dumpStack.SetIcon(icon.Refresh)
		}

		if m.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(m.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop the mixer and quit")

		// wait on things to happen
		go func() {
			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					m.signalStop()

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "xdg-open"
						if editorEnv := os.Getenv("EDITOR"); editorEnv != "" {
							editor = editorEnv
						}
					}

					if err := util.OpenExternal(logger, editor, m.config.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				// refresh sessions
				case <-refreshSessions.ClickedCh:
					logger.Info("Refresh sessions menu item clicked, triggering registry refresh")

					snap := m.Refresh(context.Background())
					logger.Infow("Refreshed", "snapshot", snap)

				// clear solo
				case <-clearSolo.ClickedCh:
					logger.Info("Clear solo menu item clicked, releasing every group")

					status := m.ClearSolo(context.Background())
					if !status.OK() {
						m.notifier.Notify("Couldn't clear solo", status.Message)
					}
				}
			}
		}()

		// dump stack trace handler (only in verbose/debug mode)
		if m.verbose && dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (m *Mixer) stopTray() {
	if m.noTray {
		return
	}

	m.logger.Debug("Quitting tray")
	systray.Quit()
}
