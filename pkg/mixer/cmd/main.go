package main

import (
	"context"
	"fmt"
	"os"

	"github.com/soundmixer/soundmixer/pkg/mixer"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	inv, err := mixer.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		fmt.Fprint(os.Stderr, mixer.HelpText("soundmixer"))
		os.Exit(2)
	}

	switch inv.Command {
	case mixer.CommandHelp:
		fmt.Print(mixer.HelpText("soundmixer"))
		return
	case mixer.CommandVersion:
		fmt.Println(versionString())
		return
	}

	// first we need a logger
	logger, err := mixer.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if inv.Verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the mixer instance
	m, err := mixer.NewMixer(logger, inv.Verbose, inv.ConfigPath)
	if err != nil {
		named.Fatalw("Failed to create mixer object", "error", err)
	}

	if err := m.Config().BindFlags(inv.Flags); err != nil {
		named.Fatalw("Failed to bind command line flags", "error", err)
	}

	if inv.Command != mixer.CommandRun {
		if err := m.Load(); err != nil {
			named.Errorw("Failed to load mixer", "error", err)
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		code := m.RunCommand(context.Background(), inv, os.Stdout, os.Stderr)

		if err := m.Close(); err != nil {
			named.Warnw("Failed to close mixer", "error", err)
		}

		logger.Sync()
		os.Exit(code)
	}

	// if injected by build process, set version info to show up in the tray
	if version := versionString(); version != "" {
		m.SetVersion(version)
	}

	if inv.NoTray {
		m.DisableTray()
	}

	// onwards, to glory
	if err = m.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mixer", "error", err)
	}
}

func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("Version %s-%s", buildType, identifier)
}
