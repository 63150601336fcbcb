package hostutil

import (
	"context"
	"net"
)

// ResolveDialAddrs resolves host to the list of IP literals a caller should
// walk in order when probing liveness, covering both address families
// instead of whichever one net.Dial's built-in happy-eyeballs picks first.
// If host is already an IP literal, it is returned as the sole entry.
func ResolveDialAddrs(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.IP.String())
	}
	return out, nil
}
