// Package discovery advertises relay servers on the local network over mDNS and finds them again.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_strate._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no relay found on the local network")

// Register advertises a relay listening on port until shutdown is called.
func Register(instance string, port int) (shutdown func(), err error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=0", "path=/ws/"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	slog.Info("mDNS service registered", "instance", instance, "service", Service, "port", port)
	return server.Shutdown, nil
}

// URL builds the websocket server address of a discovered entry.
func URL(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}

// Browse returns the server address of the first relay that answers before ctx expires.
func Browse(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if u, ok := URL(entry); ok {
				slog.Info("mDNS discovered relay", "instance", entry.Instance, "url", u)
				select {
				case found <- u:
				default:
				}
				cancel()
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	select {
	case u := <-found:
		return u, nil
	default:
		return "", ErrNotFound
	}
}
