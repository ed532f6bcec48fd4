package local

import "syscall"

// procAttr puts the agent in its own process group so signals reach its
// children, and ties its lifetime to the orchestrator.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGTERM}
}
