package transport

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATManager manages NAT traversal for the router's single externally
// reachable port (the NTCP2/SSU2 listen port), adapted from the teacher's
// core/nat_traversal.go. Unlike the teacher, gateway discovery for NAT-PMP
// is not auto-detected: the teacher's own gateway auto-discovery depended
// on github.com/jackpal/gateway, a package its go.mod never actually
// required (a pre-existing bug in the teacher repo). Rather than introduce
// that ungrounded dependency, NAT-PMP here takes an explicit gateway
// address from configuration; UPnP discovery (which performs its own SSDP
// broadcast and needs no configured address) remains fully automatic.
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// NewNATManager wires a NAT-PMP client first if gatewayIP is non-nil, and
// probes for a UPnP gateway only if NAT-PMP yielded no external IP.
func NewNATManager(gatewayIP net.IP) (*NATManager, error) {
	m := &NATManager{}

	if gatewayIP != nil {
		m.pmp = natpmp.NewClient(gatewayIP)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}

	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}

	if m.ip == nil && m.pmp == nil && m.upnp == nil {
		return nil, fmt.Errorf("transport: no NAT gateway found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address, or nil if undetected.
func (m *NATManager) ExternalIP() net.IP { return m.ip }

// Map opens port on the gateway for the router's NTCP2/SSU2 listener.
func (m *NATManager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.externalOrLocal(), true, "i2p-router", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("transport: port mapping failed")
}

// Unmap removes a previously mapped port.
func (m *NATManager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}

func (m *NATManager) externalOrLocal() string {
	if m.ip != nil {
		return m.ip.String()
	}
	return "0.0.0.0"
}
