package mixer

import (
	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// ProcessNamer resolves a process id to a human readable name. It never fails:
// processes that already exited or can't be inspected are reported as "Unknown"
type ProcessNamer interface {
	ProcessName(pid int) string
}

type psProcessNamer struct {
	logger *zap.SugaredLogger
}

func newProcessNamer(logger *zap.SugaredLogger) ProcessNamer {
	return &psProcessNamer{logger: logger.Named("processes")}
}

func (n *psProcessNamer) ProcessName(pid int) string {
	process, err := ps.FindProcess(pid)
	if err != nil {
		n.logger.Debugw("Failed to find process name by ID", "pid", pid, "error", err)
		return unknownProcessName
	}

	// the process may have exited between enumerating its session and looking it up
	if process == nil {
		n.logger.Debugw("Process already exited", "pid", pid)
		return unknownProcessName
	}

	if name := process.Executable(); name != "" {
		return name
	}

	return unknownProcessName
}
