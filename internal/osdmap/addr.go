package osdmap

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Addr is a bound network address of a node. Nonce distinguishes successive
// incarnations of a process bound to the same ip:port.
type Addr struct {
	IP    string `msgpack:"ip"`
	Port  uint16 `msgpack:"port"`
	Nonce uint32 `msgpack:"nonce,omitempty"`
}

// ParseAddr parses "ip:port" or "ip:port/nonce".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	hostport, nonce, hasNonce := strings.Cut(strings.TrimSpace(s), "/")
	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return a, fmt.Errorf("parse addr %q: %w", s, err)
	}
	a.IP = ap.Addr().String()
	a.Port = ap.Port()
	if hasNonce {
		n, err := strconv.ParseUint(nonce, 10, 32)
		if err != nil {
			return a, fmt.Errorf("parse addr nonce %q: %w", s, err)
		}
		a.Nonce = uint32(n)
	}
	return a, nil
}

// MustParseAddr is ParseAddr for literals; it panics on malformed input.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) ip() netip.Addr {
	ip, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.Addr{}
	}
	return ip
}

// IsBlankIP reports whether the address was bound to an unspecified ip.
func (a Addr) IsBlankIP() bool {
	ip := a.ip()
	return !ip.IsValid() || ip.IsUnspecified()
}

// Family returns 4 or 6, or 0 when the ip cannot be parsed.
func (a Addr) Family() int {
	ip := a.ip()
	switch {
	case !ip.IsValid():
		return 0
	case ip.Is4() || ip.Is4In6():
		return 4
	default:
		return 6
	}
}

func (a Addr) String() string {
	s := netip.AddrPortFrom(a.ip(), a.Port).String()
	if a.Nonce != 0 {
		s += "/" + strconv.FormatUint(uint64(a.Nonce), 10)
	}
	return s
}

// AddrVec is the ordered set of addresses a node is reachable on.
type AddrVec []Addr

// Equal reports whether both vectors hold the same addresses in the same order.
func (v AddrVec) Equal(o AddrVec) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

func (v AddrVec) String() string {
	parts := make([]string, len(v))
	for i, a := range v {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ReplaceUnknown substitutes every blank-ip address in v with the address of
// the same family from known, keeping the port and nonce of the original. It
// reports whether anything was replaced.
func (v AddrVec) ReplaceUnknown(known AddrVec) (AddrVec, bool, error) {
	changed := false
	out := make(AddrVec, 0, len(v))
	for _, a := range v {
		if !a.IsBlankIP() {
			out = append(out, a)
			continue
		}
		replaced := false
		for _, k := range known {
			if k.Family() == a.Family() || a.Family() == 0 {
				out = append(out, Addr{IP: k.IP, Port: a.Port, Nonce: a.Nonce})
				replaced = true
				changed = true
				break
			}
		}
		if !replaced {
			return nil, false, fmt.Errorf("no known address to replace %s", a)
		}
	}
	return out, changed, nil
}
