// Package iface enumerates local IPv4 interfaces and maintains one
// broadcast-capable UDP socket per interface, as described in SPEC_FULL.md §4.1.
package iface

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxEntries bounds the interface registry; surplus interfaces are ignored.
const MaxEntries = 16

// Entry is one attached, non-loopback IPv4 interface with a bound,
// broadcast-enabled, non-blocking send socket.
type Entry struct {
	Name      string
	Address   [4]byte
	Mask      [4]byte
	Broadcast [4]byte
	fd        int
}

// Registry is the live, rebuildable set of interface entries.
type Registry struct {
	log     log.FieldLogger
	port    int
	entries []Entry
}

// New creates a Registry that will send to the given UDP port on each
// interface's broadcast address.
func New(port int, logger log.FieldLogger) *Registry {
	return &Registry{log: logger, port: port}
}

// Entries returns a snapshot of the currently registered interfaces.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Enumerate tears down any previously held sockets and rebuilds the registry
// from the OS-reported interface list. Capacity is MaxEntries; surplus
// interfaces are silently ignored, matching spec's "surplus entries are
// ignored" clause.
func (r *Registry) Enumerate() error {
	r.closeAll()

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("iface: listing interfaces: %w", err)
	}

	var entries []Entry
outer:
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			r.log.WithError(err).WithField("iface", ifc.Name).Warn("iface: failed to read addresses")
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				// IPv6 is a non-goal; skip.
				continue
			}
			mask4 := net.IP(ipnet.Mask).To4()
			if mask4 == nil {
				continue
			}

			var entry Entry
			entry.Name = ifc.Name
			copy(entry.Address[:], ip4)
			copy(entry.Mask[:], mask4)
			for i := range entry.Broadcast {
				entry.Broadcast[i] = entry.Address[i] | ^entry.Mask[i]
			}

			fd, err := openBroadcastSocket(entry.Address)
			if err != nil {
				r.log.WithError(err).WithField("iface", ifc.Name).Warn("iface: failed to open send socket")
				continue
			}
			entry.fd = fd

			entries = append(entries, entry)
			if len(entries) >= MaxEntries {
				break outer
			}
		}
	}
	r.entries = entries
	return nil
}

// openBroadcastSocket opens a non-blocking UDP socket bound to addr, with
// SO_BROADCAST enabled, using golang.org/x/sys/unix directly because
// SO_BROADCAST and non-blocking mode aren't reachable through net.ListenUDP.
func openBroadcastSocket(addr [4]byte) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_BROADCAST: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	sa := &unix.SockaddrInet4{Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	return fd, nil
}

func (r *Registry) closeAll() {
	for _, e := range r.entries {
		_ = unix.Close(e.fd)
	}
	r.entries = nil
}

// Close releases all send sockets.
func (r *Registry) Close() {
	r.closeAll()
}

// Send transmits payload to every live interface's broadcast address on the
// registry's port. If stamp is non-nil, it is called with each interface's
// unicast address and must return the datagram to send for that interface
// (used to stamp a per-interface refid into a periodic broadcast). Per-
// interface send failures are logged and skipped, never fatal.
func (r *Registry) Send(payload []byte, stamp func(ifaceAddr [4]byte) []byte) {
	for _, e := range r.entries {
		data := payload
		if stamp != nil {
			data = stamp(e.Address)
		}
		sa := &unix.SockaddrInet4{Addr: e.Broadcast, Port: r.port}
		if err := unix.Sendto(e.fd, data, 0, sa); err != nil {
			r.log.WithError(err).WithField("iface", e.Name).Warn("iface: broadcast send failed")
		}
	}
}

// LocalMatch returns the unicast address of the interface whose subnet
// contains peer, and true, or the zero address and false when none matches.
func (r *Registry) LocalMatch(peer [4]byte) ([4]byte, bool) {
	for _, e := range r.entries {
		match := true
		for i := range e.Address {
			if e.Address[i]&e.Mask[i] != peer[i]&e.Mask[i] {
				match = false
				break
			}
		}
		if match {
			return e.Address, true
		}
	}
	return [4]byte{}, false
}
