package node

import (
	"context"
	"time"

	"ipfscore/blockstore"
	"ipfscore/routing"
)

// discoveryInterval paces the background walk over pinned roots; kept
// well above typical DHT FindProviders latency so one slow root doesn't
// starve the rest of a cycle.
const discoveryInterval = 10 * time.Minute

// runDiscovery periodically re-announces every recursively and directly
// pinned root to the routing facade, the background discovery walk named
// in spec §2's component table but left unspecified by the distillation:
// without it, provider records for long-lived pins silently expire from
// the DHT and the content becomes unreachable to new peers.
func runDiscovery(ctx context.Context, pins *blockstore.PinSet, rt *routing.Facade) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	walk := func() {
		roots, err := pins.List(ctx, nil)
		if err != nil {
			log.Warnf("discovery: list pins: %s", err)
			return
		}
		for _, c := range roots {
			if err := rt.Provide(ctx, c, true); err != nil {
				log.Debugf("discovery: provide %s: %s", c, err)
			}
		}
	}

	walk()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			walk()
		}
	}
}
