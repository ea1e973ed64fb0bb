//go:build unix

package main

import (
	"os"
	"syscall"
)

func backgroundSignals() (background, foreground os.Signal, ok bool) {
	return syscall.SIGUSR1, syscall.SIGUSR2, true
}
