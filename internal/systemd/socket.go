package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds the sockets systemd passed in, keyed by their
// FileDescriptorName in minutemeter.socket.
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners returns the activated sockets. Outside socket activation
// both listeners are nil and Activated is false.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}
	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	listeners.API = first(named["api"])
	listeners.Metrics = first(named["metrics"])
	return listeners, nil
}

func first(lns []net.Listener) net.Listener {
	if len(lns) == 0 {
		return nil
	}
	return lns[0]
}

func notify(state, what string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("sd_notify %s: %w", what, err)
	}
	return nil
}

// NotifyReady tells systemd that the meter is accepting requests.
func NotifyReady() error { return notify(daemon.SdNotifyReady, "ready") }

// NotifyStopping tells systemd that a graceful shutdown has begun.
func NotifyStopping() error { return notify(daemon.SdNotifyStopping, "stopping") }

// NotifyWatchdog pings the service watchdog.
func NotifyWatchdog() error { return notify(daemon.SdNotifyWatchdog, "watchdog") }

// WatchdogInterval returns how often systemd expects a watchdog ping, or zero
// when the watchdog is disabled.
func WatchdogInterval() (time.Duration, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0, fmt.Errorf("failed to query systemd watchdog: %w", err)
	}
	return interval, nil
}
