package runtime

import "syscall"

func processTerminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
