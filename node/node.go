// Package node wires together the datastore, block store, pin set,
// exchange engine, name manager, and routing facade into the single
// long-lived object spec §2 calls the node's control flow, and owns
// startup/shutdown ordering between them.
package node

import (
	"context"
	"path/filepath"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	badger4 "github.com/ipfs/go-ds-badger4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"

	"ipfscore/blockstore"
	"ipfscore/datastore"
	"ipfscore/exchange"
	"ipfscore/migrator"
	"ipfscore/namesys"
	"ipfscore/routing"
)

var log = logging.Logger("node")

const currentRepoVersion = 3

// Node owns every subsystem's lifecycle. Construction order matters:
// datastore and block store must exist before the pin set (which needs
// both), and the exchange engine and name manager need the block store and
// routing facade respectively to already be live.
type Node struct {
	Config Config

	Datastore datastore.Datastore
	Store     blockstore.Store
	Layer     *blockstore.Layer
	Pins      *blockstore.PinSet
	Exchange  *exchange.Engine
	Names     *namesys.Manager
	Routing   *routing.Facade

	host      host.Host
	connector exchange.Connector

	cancel context.CancelFunc
}

// Open migrates the repository at root to the current version, opens its
// datastore and block store, and constructs every subsystem. It does not
// start networking; call Start for that once a libp2p host is available.
func Open(ctx context.Context, root string, dag blockstore.DAGFetcher) (*Node, error) {
	reg := migrator.NewRegistry(
		migrator.NewSequenceTableMigration(),
		migrator.NewCARCursorMigration(),
	)
	if err := reg.MigrateTo(ctx, root, currentRepoVersion); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(filepath.Join(root, "config"))
	if err != nil {
		cfg = DefaultConfig()
	}

	ds, err := datastore.Open(filepath.Join(root, "datastore"), &badger4.DefaultOptions)
	if err != nil {
		return nil, err
	}

	store, err := blockstore.OpenStore(root)
	if err != nil {
		ds.Close()
		return nil, err
	}
	layer, err := blockstore.NewLayer(store, 1024)
	if err != nil {
		ds.Close()
		return nil, err
	}
	pins := blockstore.NewPinSet(ds, dag)

	return &Node{
		Config:    cfg,
		Datastore: ds,
		Store:     store,
		Layer:     layer,
		Pins:      pins,
	}, nil
}

// Start attaches networking collaborators and begins background workers:
// the exchange engine's wantlist server and, if routing is configured, the
// periodic discovery walk.
func (n *Node) Start(ctx context.Context, h host.Host, exch *exchange.Engine, names *namesys.Manager, rt *routing.Facade, connector exchange.Connector) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.host = h
	n.Exchange = exch
	n.Names = names
	n.Routing = rt
	n.connector = connector

	if exch != nil {
		go exch.ServeWants(ctx)
	}
	if rt != nil {
		go runDiscovery(ctx, n.Pins, rt)
	}
}

// Get resolves c to its block bytes: the local store if present, otherwise
// spec §4.2's network fetch over the exchange engine and routing facade.
// It returns corerrors.ErrNotFound's network-fetch analogue (ctx
// cancellation or deadline) if no provider answers before ctx is done.
func (n *Node) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	b, err := n.Layer.Get(ctx, c)
	if err == nil {
		return b, nil
	}
	if n.Exchange == nil || n.Routing == nil || n.connector == nil {
		return nil, err
	}

	data, ferr := n.Exchange.Get(ctx, c, n.Routing, n.connector)
	if ferr != nil {
		return nil, ferr
	}
	blk, berr := blocks.NewBlockWithCid(data, c)
	if berr != nil {
		return nil, berr
	}
	if perr := n.Layer.Put(ctx, blk, blockstore.PutOptions{}); perr != nil {
		log.Warnf("get %s: cache fetched block: %s", c, perr)
	}
	return blk, nil
}

// Close tears every subsystem down, datastore last so pin/migration
// bookkeeping flushed during shutdown still has somewhere to land.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	return n.Datastore.Close()
}
