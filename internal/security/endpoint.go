package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint is returned for feed endpoints that point inside the
// deployment's network.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up the addresses of a host.
type Resolver func(ctx context.Context, host string) ([]string, error)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// EndpointGuard returns a check for server-side fetch targets. It rejects
// non-HTTP schemes, internal hostnames, and any host whose literal or
// resolved address is loopback, private, link-local or unspecified. A nil
// resolver uses the system resolver.
func EndpointGuard(resolve Resolver) func(rawURL string) error {
	if resolve == nil {
		resolve = net.DefaultResolver.LookupHost
	}
	return func(rawURL string) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("invalid URL format")
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return fmt.Errorf("URL scheme must be http or https")
		}
		host := u.Hostname()
		if host == "" {
			return fmt.Errorf("URL must have a host")
		}
		for _, b := range blockedHosts {
			if strings.EqualFold(host, b) {
				return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
			}
		}

		if ip := net.ParseIP(host); ip != nil {
			return checkIP(ip)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		addrs, err := resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("cannot resolve URL host: %s", host)
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				if err := checkIP(ip); err != nil {
					return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
				}
			}
		}
		return nil
	}
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
