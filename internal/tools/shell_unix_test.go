//go:build unix

package tools

import (
	"os/exec"
	"testing"
)

func TestShellCommandsRunInOwnProcessGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "true")
	setProcGroup(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatal("shell command not placed in its own process group")
	}
}
