package target

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Resolver looks up the addresses of a host name.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// resolveTarget picks the address a target is reached at. IPv4 is
// preferred since probes may lack IPv6.
func (im *Importer) resolveTarget(ctx context.Context, fqdn string) (string, error) {
	host := strings.TrimSuffix(fqdn, ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}

	ips, err := im.resolve(ctx, host)
	if err != nil {
		return "", err
	}
	return pickAddress(ips)
}

func pickAddress(ips []net.IP) (string, error) {
	var v6 string
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			return addr.String(), nil
		}
		if v6 == "" {
			v6 = addr.String()
		}
	}
	if v6 == "" {
		return "", fmt.Errorf("no usable address")
	}
	return v6, nil
}
