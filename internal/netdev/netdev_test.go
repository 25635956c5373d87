package netdev

import (
	"net"
	"testing"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

type fakeLinks []rtnetlink.LinkMessage

func (f fakeLinks) List() ([]rtnetlink.LinkMessage, error) { return f, nil }

type fakeAddrs []rtnetlink.AddressMessage

func (f fakeAddrs) List() ([]rtnetlink.AddressMessage, error) { return f, nil }

func TestResolveSubnetFindsIPv4Address(t *testing.T) {
	links := fakeLinks{
		{Index: 1, Attributes: &rtnetlink.LinkAttributes{Name: "lo"}},
		{Index: 2, Attributes: &rtnetlink.LinkAttributes{Name: "lan"}},
	}
	addrs := fakeAddrs{
		{Index: 2, Family: unix.AF_INET6},
		{Index: 2, Family: unix.AF_INET, PrefixLength: 24,
			Attributes: &rtnetlink.AddressAttributes{Address: net.ParseIP("192.168.1.1")}},
	}

	subnet, mask, err := resolveSubnet(links, addrs, "lan")
	if err != nil {
		t.Fatalf("resolveSubnet: %v", err)
	}
	wantMask := be32(net.CIDRMask(24, 32))
	if mask != wantMask {
		t.Errorf("mask = %#x, want %#x", mask, wantMask)
	}
	wantSubnet := be32(net.ParseIP("192.168.1.1").To4()) & wantMask
	if subnet != wantSubnet {
		t.Errorf("subnet = %#x, want %#x", subnet, wantSubnet)
	}
}

func TestResolveSubnetUnknownInterface(t *testing.T) {
	_, _, err := resolveSubnet(fakeLinks{}, fakeAddrs{}, "ghost")
	if err == nil {
		t.Fatal("expected an error for an unknown interface")
	}
}

func TestResolveSubnetNoIPv4Address(t *testing.T) {
	links := fakeLinks{{Index: 1, Attributes: &rtnetlink.LinkAttributes{Name: "wan"}}}
	addrs := fakeAddrs{{Index: 1, Family: unix.AF_INET6}}

	_, _, err := resolveSubnet(links, addrs, "wan")
	if err == nil {
		t.Fatal("expected an error when the interface has no IPv4 address")
	}
}
