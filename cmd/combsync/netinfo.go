package main

import (
	"net"

	"github.com/WebFirstLanguage/combsync/pkg/kad"
	"github.com/WebFirstLanguage/combsync/pkg/transport/broadcast"
)

// interfaceLister reports the IPv4 addresses of the local interfaces. The
// port is left zero for the node to fill in with its listener's.
type interfaceLister struct{}

// Endpoints lists interface addresses, leaving out loopback when
// reachableOnly is set
func (interfaceLister) Endpoints(reachableOnly bool) ([]kad.Endpoint, error) {
	nets, err := localNetworks(reachableOnly)
	if err != nil {
		return nil, err
	}

	endpoints := make([]kad.Endpoint, 0, len(nets))
	for _, ipnet := range nets {
		endpoints = append(endpoints, kad.Endpoint{Host: ipnet.IP.String()})
	}
	return endpoints, nil
}

// broadcastTargets returns the broadcast address of every local IPv4 subnet
func broadcastTargets() []net.IP {
	nets, err := localNetworks(true)
	if err != nil {
		return nil
	}

	var targets []net.IP
	for _, ipnet := range nets {
		if bcast := broadcast.SubnetBroadcast(ipnet); bcast != nil {
			targets = append(targets, bcast)
		}
	}
	return targets
}

func localNetworks(skipLoopback bool) ([]*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if skipLoopback && iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			nets = append(nets, &net.IPNet{IP: ipnet.IP.To4(), Mask: mask})
		}
	}
	return nets, nil
}
