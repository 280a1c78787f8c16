// Package discovery advertises the sync server over mDNS and lets agents
// find an instance without being handed a URL.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

// Register advertises this instance under the given mDNS service name.
// Shut the returned server down to withdraw the advertisement.
func Register(service string, port int) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("collabd-%s", host),
		service,
		"local.",
		port,
		[]string{"proto=ws", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: registering mDNS service: %w", err)
	}
	return server, nil
}

// Lookup browses for the first advertised instance and returns its websocket
// URL. It honors ctx's deadline.
func Lookup(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: creating mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port):
			default:
			}
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", fmt.Errorf("discovery: browsing mDNS: %w", err)
	}
	select {
	case url := <-found:
		return url, nil
	case <-ctx.Done():
		return "", fmt.Errorf("discovery: no %s instance found: %w", service, ctx.Err())
	}
}
