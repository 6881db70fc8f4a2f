package engine

import (
	"context"
	"fmt"
	"strings"
)

// ResolveHosts flattens individual IP and host-group references into a
// de-duplicated address list in first-seen order. IPs come before group
// members. An empty result becomes the single LocalHost.
func ResolveHosts(ctx context.Context, r TargetResolver, ipIDs, groupIDs []int64) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		hosts = append(hosts, addr)
	}

	for _, id := range ipIDs {
		addr, err := r.GetIPAddress(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ip address %d: %w", id, err)
		}
		add(addr)
	}

	for _, id := range groupIDs {
		addrs, err := r.GetHostGroupAddresses(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve host group %d: %w", id, err)
		}
		for _, addr := range addrs {
			add(addr)
		}
	}

	if len(hosts) == 0 {
		return []string{LocalHost}, nil
	}
	return hosts, nil
}
