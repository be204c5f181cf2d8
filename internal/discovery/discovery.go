// Package discovery advertises the agent on the local network over mDNS so
// clients can find it without configuration.
package discovery

import (
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	ServiceType = "_pcsc-agent._tcp"
	Domain      = "local."
)

// Advertiser is a running mDNS registration.
type Advertiser struct {
	name   string
	server *zeroconf.Server
	once   sync.Once
}

// TXT builds the text records published with the service.
func TXT(version, path string) []string {
	return []string{
		"version=" + version,
		"protocol=websocket",
		"path=" + path,
	}
}

// Advertise registers name as a ServiceType instance on port.
func Advertise(name string, port int, txt []string) (*Advertiser, error) {
	if name == "" {
		return nil, fmt.Errorf("mDNS service name must not be empty")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid mDNS port %d", port)
	}

	server, err := zeroconf.Register(name, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logging.Info(logging.CatSystem, "mDNS service registered", map[string]any{
		"name": name,
		"type": ServiceType,
		"port": port,
	})
	return &Advertiser{name: name, server: server}, nil
}

// Shutdown withdraws the registration. It is safe to call more than once.
func (a *Advertiser) Shutdown() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.server.Shutdown()
		logging.Info(logging.CatSystem, "mDNS service withdrawn", map[string]any{
			"name": a.name,
		})
	})
}
