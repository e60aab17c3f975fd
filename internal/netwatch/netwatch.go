// Package netwatch polls the host's network interfaces and reports link
// transitions to the peer transports.
package netwatch

import (
	"context"
	"log"
	"net"
	"time"
)

const DefaultInterval = 2 * time.Second

// Target receives link transitions. *signaling.Client implements it.
type Target interface {
	SetNetworkOnline(online bool)
}

// Probe reports whether the host currently has a usable link.
type Probe func() (bool, error)

// InterfacesUp is the default probe: online while any non-loopback
// interface is up and has an address.
func InterfacesUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

type Watcher struct {
	target Target
	probe  Probe
	logger *log.Logger

	known  bool
	online bool
}

// New creates a watcher. A nil probe uses InterfacesUp.
func New(target Target, probe Probe, logger *log.Logger) *Watcher {
	if probe == nil {
		probe = InterfacesUp
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{target: target, probe: probe, logger: logger}
}

// Check runs the probe once and notifies the target when the link state
// changed. The first check only records the state. A failing probe leaves
// the state unchanged.
func (w *Watcher) Check() {
	online, err := w.probe()
	if err != nil {
		w.logger.Printf("Failed to read network interfaces: %v", err)
		return
	}
	if !w.known {
		w.known, w.online = true, online
		return
	}
	if online == w.online {
		return
	}
	w.online = online
	if online {
		w.logger.Printf("Network back online")
	} else {
		w.logger.Printf("Network went offline")
	}
	w.target.SetNetworkOnline(online)
}

// Run checks the link every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w.Check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
