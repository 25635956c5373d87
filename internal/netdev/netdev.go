// Package netdev resolves a configured network interface name to its live
// IPv4 local subnet and mask, so an operator can name an interface
// ("lan", "br-lan") in the rule-attachment config instead of hand-computing
// local_subnet/local_subnet_mask (spec §3.1) themselves. Built on
// jsimonetti/rtnetlink for the address/link dump, the same interface it
// exposes for reading routes and neighbor tables.
package netdev

import (
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// linkLister and addrLister narrow rtnetlink.Conn's Link and Address
// services to the one method each ResolveSubnet needs, so tests can supply
// a fake without a real netlink socket.
type linkLister interface {
	List() ([]rtnetlink.LinkMessage, error)
}

type addrLister interface {
	List() ([]rtnetlink.AddressMessage, error)
}

// ResolveSubnet opens a route netlink socket, finds the interface named
// ifaceName, and returns its first IPv4 address's network (local_subnet)
// and netmask (local_subnet_mask) — the representation
// IdentityState.LocalSubnet/LocalSubnetMask expect for
// IndividualLocal/IndividualRemote classification.
func ResolveSubnet(ifaceName string) (subnet, mask uint32, err error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return 0, 0, fmt.Errorf("netdev: dial rtnetlink: %w", err)
	}
	defer conn.Close()
	return resolveSubnet(conn.Link, conn.Address, ifaceName)
}

func resolveSubnet(links linkLister, addrs addrLister, ifaceName string) (subnet, mask uint32, err error) {
	linkList, err := links.List()
	if err != nil {
		return 0, 0, fmt.Errorf("netdev: list links: %w", err)
	}
	var index uint32
	found := false
	for _, l := range linkList {
		if l.Attributes != nil && l.Attributes.Name == ifaceName {
			index = l.Index
			found = true
			break
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("netdev: interface %q not found", ifaceName)
	}

	addrList, err := addrs.List()
	if err != nil {
		return 0, 0, fmt.Errorf("netdev: list addresses: %w", err)
	}
	for _, a := range addrList {
		if a.Index != index || a.Family != unix.AF_INET {
			continue
		}
		if a.Attributes == nil || a.Attributes.Address == nil {
			continue
		}
		ip := a.Attributes.Address.To4()
		if ip == nil {
			continue
		}
		maskVal := be32(net.CIDRMask(int(a.PrefixLength), 32))
		ipVal := be32(ip)
		return ipVal & maskVal, maskVal, nil
	}
	return 0, 0, fmt.Errorf("netdev: interface %q has no IPv4 address", ifaceName)
}

// be32 packs a 4-byte big-endian (network order) slice into a uint32.
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
