package device

import (
	"context"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// RestartExitCode is used when no reboot command is configured.
// A service manager restarting the agent on this code takes the place of the reboot.
const RestartExitCode = 75

type commandRebooter struct {
	cmd  []string
	exit func(code int)
}

// NewCommandRebooter returns a Rebooter that runs cmd, e.g. ["systemctl", "reboot"].
// Without a command the process exits with RestartExitCode.
func NewCommandRebooter(cmd []string) Rebooter {
	return &commandRebooter{
		cmd:  cmd,
		exit: os.Exit,
	}
}

func (c *commandRebooter) Reboot(ctx context.Context) error {
	if len(c.cmd) == 0 {
		log.Infof("no reboot command configured, exiting with code %d", RestartExitCode)
		c.exit(RestartExitCode)
		return nil
	}
	log.Infof("rebooting with %q", c.cmd)
	out, err := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...).CombinedOutput()
	if err != nil {
		log.WithError(err).Errorf("reboot command failed: %s", out)
		return err
	}
	return nil
}
