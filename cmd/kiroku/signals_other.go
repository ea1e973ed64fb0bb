//go:build !unix

package main

import "os"

// No user signals; the agent always stays in the foreground.
func backgroundSignals() (background, foreground os.Signal, ok bool) {
	return nil, nil, false
}
