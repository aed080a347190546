// Package broadcast implements the auxiliary UDP datagram primitive used for
// LAN announcements: sending to subnet broadcast addresses and receiving
// datagrams together with their sender address.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
)

// MaxDatagramSize bounds a single announcement
const MaxDatagramSize = 2048

// ErrPayloadTooLarge is returned when a payload does not fit a datagram
var ErrPayloadTooLarge = errors.New("broadcast: payload too large")

// Datagram is a received announcement
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte
}

// Conn is a UDP socket that can send to broadcast addresses
type Conn struct {
	conn *net.UDPConn
	port int

	mu      sync.RWMutex
	targets []net.IP
}

// Listen binds a UDP socket on addr. An empty addr binds all interfaces on
// the default announce port.
func Listen(addr string) (*Conn, error) {
	if addr == "" {
		addr = fmt.Sprintf(":%d", constants.DefaultAnnouncePort)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	return &Conn{
		conn:    conn,
		port:    constants.DefaultAnnouncePort,
		targets: []net.IP{net.IPv4bcast},
	}, nil
}

// SetPort changes the destination port used by Broadcast
func (c *Conn) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
}

// SetTargets replaces the broadcast destinations. An empty list restores the
// limited broadcast address.
func (c *Conn) SetTargets(targets []net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(targets) == 0 {
		c.targets = []net.IP{net.IPv4bcast}
		return
	}
	c.targets = append([]net.IP(nil), targets...)
}

// Broadcast sends payload to every target. It returns the first error seen
// after attempting all of them.
func (c *Conn) Broadcast(payload []byte) error {
	c.mu.RLock()
	targets := c.targets
	port := c.port
	c.mu.RUnlock()

	var firstErr error
	for _, ip := range targets {
		if err := c.SendTo(&net.UDPAddr{IP: ip, Port: port}, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendTo sends one datagram to addr
func (c *Conn) SendTo(addr *net.UDPAddr, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return ErrPayloadTooLarge
	}
	if _, err := c.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks until a datagram arrives, ctx is done or the socket is
// closed.
func (c *Conn) Receive(ctx context.Context) (Datagram, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	n, from, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return Datagram{}, ctx.Err()
		}
		return Datagram{}, err
	}
	return Datagram{From: from, Payload: buf[:n]}, nil
}

// LocalAddr returns the bound address
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SubnetBroadcast returns the directed broadcast address of an IPv4 network,
// or nil for IPv6 networks.
func SubnetBroadcast(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.To4()
	if ip == nil || len(ipnet.Mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip {
		out[i] = ip[i] | ^ipnet.Mask[i]
	}
	return out
}
