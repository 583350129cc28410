package main

import (
	"bufio"
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"ipfscore/blockstore"
	"ipfscore/exchange"
)

const bitswapProtocolID = protocol.ID(exchange.ProtoV120)

// streamSender implements exchange.Sender over real libp2p streams: one
// stream per send, matching the simplest (if least efficient) framing the
// original bitswap network layer supports before connection reuse.
type streamSender struct {
	host host.Host
}

func (s *streamSender) SendMessage(ctx context.Context, p peer.ID, m exchange.Message) error {
	stream, err := s.host.NewStream(ctx, p, bitswapProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()
	return exchange.WriteDelimited(stream, m.Marshal())
}

// handleBitswapStream is registered as this node's stream handler for the
// bitswap protocol: it reads one length-delimited message per stream and
// hands it to the exchange engine.
func handleBitswapStream(exch *exchange.Engine) network.StreamHandler {
	return func(stream network.Stream) {
		defer stream.Close()
		r := bufio.NewReader(stream)
		data, err := exchange.ReadDelimited(r)
		if err != nil {
			return
		}
		m, err := exchange.Unmarshal(data)
		if err != nil {
			return
		}
		_ = exch.ReceiveMessage(context.Background(), stream.Conn().RemotePeer(), m)
	}
}

// hostConnector implements exchange.Connector over a live libp2p host: it
// adds the discovered addresses to the peerstore and dials, so a
// subsequent SendMessage's NewStream has somewhere to connect to.
type hostConnector struct {
	host host.Host
}

func (c hostConnector) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return c.host.Connect(ctx, pi)
}

// blockLayerAdapter narrows *blockstore.Layer to exchange.BlockStore's
// byte-oriented shape.
type blockLayerAdapter struct {
	layer *blockstore.Layer
}

func (a blockLayerAdapter) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return a.layer.Has(ctx, c)
}

func (a blockLayerAdapter) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	b, err := a.layer.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return b.RawData(), nil
}

func (a blockLayerAdapter) Put(ctx context.Context, c cid.Cid, data []byte) error {
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return err
	}
	return a.layer.Put(ctx, b, blockstore.PutOptions{})
}

// pubsubAdapter implements namesys.PubSub over a real gossipsub instance.
type pubsubAdapter struct {
	ps *pubsub.PubSub
}

func (a pubsubAdapter) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := a.ps.Join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (a pubsubAdapter) Subscribe(ctx context.Context, topic string, onMessage func([]byte)) error {
	t, err := a.ps.Join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			onMessage(msg.Data)
		}
	}()
	return nil
}
