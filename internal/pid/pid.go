package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/picogov/internal/errors"
)

const pidFile = "picogovd.pid"

func filePath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, pidFile)
	}

	return filepath.Join(os.TempDir(), pidFile)
}

// Write records the current process ID, refusing when another live
// instance already holds the file. A stale or unreadable file left by a
// crashed instance is overwritten.
func Write() error {
	errFactory := errors.New()

	path := filePath()
	if owner, ok := livePID(path); ok {
		return errFactory.WithData(errors.ErrAlreadyRunning, owner)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file if present.
func Remove() error {
	errFactory := errors.New()

	if err := os.Remove(filePath()); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// livePID returns the PID recorded in the file when that process is
// still running.
func livePID(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	recorded, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(recorded)
	if err != nil {
		return 0, false
	}

	return recorded, process.Signal(syscall.Signal(0)) == nil
}
