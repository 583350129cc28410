// Command node runs the long-lived daemon: it opens a repository, brings
// up a libp2p host and DHT, and serves bitswap and IPNS traffic until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipfs/go-cid"
	ipldformat "github.com/ipfs/go-ipld-format"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p"
	"github.com/urfave/cli/v2"

	"ipfscore/exchange"
	"ipfscore/namesys"
	"ipfscore/node"
	"ipfscore/routing"
)

func main() {
	app := &cli.App{
		Name:  "node",
		Usage: "run a content-addressed peer-to-peer file system node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Value: ".", Usage: "repository root"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

// nullDAG satisfies blockstore.DAGFetcher for startup before a real
// merkledag service is wired; pin recursion against it fails closed rather
// than silently treating every pin as a leaf.
type nullDAG struct{}

func (nullDAG) Get(ctx context.Context, c cid.Cid) (ipldformat.Node, error) {
	return nil, fmt.Errorf("dag fetcher not yet wired")
}

func run(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	n, err := node.Open(ctx, c.String("repo"), nullDAG{})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer n.Close()

	h, err := libp2p.New(libp2p.ListenAddrStrings(n.Config.Addresses.Swarm...))
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}
	defer h.Close()

	validator := record.NamespacedValidator{
		"ipns": namesys.Validator{},
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto), dht.Validator(validator))
	if err != nil {
		return fmt.Errorf("start dht: %w", err)
	}
	defer kad.Close()

	rt := routing.New(kad)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fmt.Errorf("start pubsub: %w", err)
	}

	names := namesys.New(rt, pubsubAdapter{ps}, n.Datastore)

	sender := &streamSender{host: h}
	exch := exchange.New(ctx, h.ID(), blockLayerAdapter{n.Layer}, sender)
	h.SetStreamHandler(bitswapProtocolID, handleBitswapStream(exch))

	n.Start(ctx, h, exch, names, rt, hostConnector{host: h})

	fmt.Printf("node %s listening on %v\n", h.ID(), h.Addrs())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return nil
}
