package wire

import (
	"net"
	"strconv"
)

// Family tags which part of a Host's 16 address octets is meaningful.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Host is a tagged address: family, 16-byte address octets (IPv4 uses
// only the first 4), and a 16-bit port. Equality is by (family, address,
// port); SameAddress ignores the port.
type Host struct {
	Family Family
	Addr   [16]byte
	Port   uint16
}

// HostFromTCPAddr builds a Host from a resolved net.TCPAddr.
func HostFromTCPAddr(a *net.TCPAddr) Host {
	var h Host
	if ip4 := a.IP.To4(); ip4 != nil {
		h.Family = FamilyIPv4
		copy(h.Addr[:4], ip4)
	} else if ip16 := a.IP.To16(); ip16 != nil {
		h.Family = FamilyIPv6
		copy(h.Addr[:], ip16)
	}
	h.Port = uint16(a.Port)
	return h
}

// IP renders the Host's address octets back into a net.IP.
func (h Host) IP() net.IP {
	switch h.Family {
	case FamilyIPv4:
		return net.IP(h.Addr[:4])
	case FamilyIPv6:
		return net.IP(h.Addr[:])
	default:
		return nil
	}
}

// Equal compares family, address, and port.
func (h Host) Equal(other Host) bool {
	return h.SameAddress(other) && h.Port == other.Port
}

// SameAddress compares family and address only, ignoring port.
func (h Host) SameAddress(other Host) bool {
	if h.Family != other.Family {
		return false
	}
	return h.Addr == other.Addr
}

func (h Host) String() string {
	ip := h.IP()
	if ip == nil {
		return "<none>"
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(h.Port)))
}
