package lifecycle

import (
	"os"
	"os/exec"
	"syscall"
)

// daemonizeEnv marks a re-exec'd child so it does not try to daemonize
// itself again.
const daemonizeEnv = "BLOCKSTACKD_DAEMONIZED"

// Daemonize re-execs the current process detached from the controlling
// terminal (new session via Setsid) when cfg.Foreground is false, mirroring
// a double-fork daemon without relying on a raw second fork(2) — Go's
// runtime does not support forking a multi-threaded process directly, so
// re-exec is the idiomatic substitute (spec.md §4.6 "daemonization via
// double-fork+setsid when not foreground").
//
// Returns true if this call performed the re-exec (the original process
// should exit 0 immediately after); false if this is either the
// foreground case or the already-daemonized child.
func Daemonize(foreground bool) (bool, error) {
	if foreground || os.Getenv(daemonizeEnv) == "1" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, err
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, err
	}
	return true, nil
}
