package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/NodePath81/fbspeed/internal/util"
)

// notifyService reports a lifecycle state to the service manager. It is a
// no-op when the process was not started with NOTIFY_SOCKET.
func notifyService(logger util.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("service notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("service notified", "state", state)
	}
}
