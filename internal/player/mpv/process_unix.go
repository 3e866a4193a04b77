//go:build !windows

package mpv

import "os/exec"

func setupProcessAttributes(cmd *exec.Cmd) {
}
