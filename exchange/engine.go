package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
	"github.com/ipfs/go-peertaskqueue"
	"github.com/ipfs/go-peertaskqueue/peertask"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"

	"ipfscore/corerrors"
)

var log = logging.Logger("exchange")

// BlockStore is the minimal capability the engine needs from the block
// layer: check presence, read bytes, and accept newly-received blocks.
type BlockStore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Put(ctx context.Context, c cid.Cid, data []byte) error
}

// Sender delivers a fully-formed message to a peer. The concrete
// implementation opens (or reuses) a libp2p stream on one of
// SupportedProtocols and writes the length-delimited bytes.
type Sender interface {
	SendMessage(ctx context.Context, p peer.ID, m Message) error
}

// WantEntry tracks one CID this node wants, and who has already been asked.
type WantEntry struct {
	Cid      cid.Cid
	Priority int32
	WantType WantType
	Asked    map[peer.ID]struct{}
}

// PeerLedger accounts for what one remote peer wants from us and what we
// have sent/received with them, mirroring the original source's
// decision.Receipt (value, sent, recv) so a future stats surface has real
// numbers to report.
type PeerLedger struct {
	Peer      peer.ID
	Wantlist  map[cid.Cid]Entry
	BytesSent uint64
	BytesRecv uint64
}

// Receipt is a point-in-time snapshot of a ledger's accounting.
type Receipt struct {
	Peer      peer.ID
	Value     float64
	BytesSent uint64
	BytesRecv uint64
}

type waiter struct {
	ch     chan []byte
	once   sync.Once
}

func (w *waiter) deliver(data []byte) {
	w.once.Do(func() { w.ch <- data; close(w.ch) })
}

// Engine is the want-driven exchange described in spec §4.6: it tracks
// this node's outstanding wants, sends them to peers, serves incoming wants
// from its own block store through a per-peer priority task queue, and
// resolves Get callers exactly once even when several peers answer the
// same want concurrently.
type Engine struct {
	self   peer.ID
	store  BlockStore
	sender Sender

	mu       sync.Mutex
	wants    map[cid.Cid]*WantEntry
	ledgers  map[peer.ID]*PeerLedger
	waiters  map[cid.Cid][]*waiter

	tq *peertaskqueue.PeerTaskQueue

	dupBytes  metrics.Histogram
	allBytes  metrics.Histogram

	broadcastInterval time.Duration
}

// New constructs an Engine. ctx's metrics scope follows the original
// source's convention of namespacing bitswap counters under "bitswap".
func New(ctx context.Context, self peer.ID, store BlockStore, sender Sender) *Engine {
	mctx := metrics.CtxSubScope(ctx, "bitswap")
	return &Engine{
		self:    self,
		store:   store,
		sender:  sender,
		wants:   make(map[cid.Cid]*WantEntry),
		ledgers: make(map[peer.ID]*PeerLedger),
		waiters: make(map[cid.Cid][]*waiter),
		tq:      peertaskqueue.New(),
		dupBytes: metrics.NewCtx(mctx, "recv_dup_blocks_bytes", "duplicate block bytes received").Histogram(
			[]float64{1 << 6, 1 << 10, 1 << 14, 1 << 18, 1 << 22}),
		allBytes: metrics.NewCtx(mctx, "recv_all_blocks_bytes", "total block bytes received").Histogram(
			[]float64{1 << 6, 1 << 10, 1 << 14, 1 << 18, 1 << 22}),
		broadcastInterval: 250 * time.Millisecond,
	}
}

func (e *Engine) ledger(p peer.ID) *PeerLedger {
	l, ok := e.ledgers[p]
	if !ok {
		l = &PeerLedger{Peer: p, Wantlist: make(map[cid.Cid]Entry)}
		e.ledgers[p] = l
	}
	return l
}

// Want registers interest in c and returns a channel that receives the
// block's bytes exactly once, either from a later ReceiveMessage call or
// immediately if the block is already local.
func (e *Engine) Want(ctx context.Context, c cid.Cid, priority int32) <-chan []byte {
	e.mu.Lock()
	if have, err := e.store.Has(ctx, c); err == nil && have {
		e.mu.Unlock()
		ch := make(chan []byte, 1)
		if data, err := e.store.Get(ctx, c); err == nil {
			ch <- data
		}
		close(ch)
		return ch
	}

	w := &waiter{ch: make(chan []byte, 1)}
	e.waiters[c] = append(e.waiters[c], w)

	if _, tracked := e.wants[c]; !tracked {
		e.wants[c] = &WantEntry{Cid: c, Priority: priority, WantType: WantBlock, Asked: make(map[peer.ID]struct{})}
	}
	e.mu.Unlock()

	return w.ch
}

// maxGetProviders bounds how many providers a single Get dials, per spec
// §4.2's network fetch.
const maxGetProviders = 20

// ProviderFinder is the routing capability a network Get needs: discover
// peers that claim to have c. Satisfied by *routing.Facade.
type ProviderFinder interface {
	FindProviders(ctx context.Context, c cid.Cid, count int) (<-chan peer.AddrInfo, error)
}

// Connector dials a discovered peer so a subsequent SendMessage has a
// connection to open a stream over. Satisfied by a thin libp2p host
// adapter; kept as its own interface so the engine never imports libp2p's
// host package directly.
type Connector interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
}

// Get implements spec §4.2's network fetch: register a want and, in
// parallel, ask routing for up to maxGetProviders providers of c, dialing
// and asking each one as it arrives. Whichever resolves first wins; the
// provider search and any still-in-flight asks are cancelled the moment
// the want resolves or ctx is done.
func (e *Engine) Get(ctx context.Context, c cid.Cid, finder ProviderFinder, connector Connector) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	want := e.Want(ctx, c, 1)

	providers, err := finder.FindProviders(ctx, c, maxGetProviders)
	if err != nil {
		return nil, err
	}

	go func() {
		var wg sync.WaitGroup
		for pi := range providers {
			pi := pi
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := connector.Connect(ctx, pi); err != nil {
					log.Debugf("get %s: connect to %s: %s", c, pi.ID, err)
					return
				}
				e.mu.Lock()
				if entry, ok := e.wants[c]; ok {
					entry.Asked[pi.ID] = struct{}{}
				}
				e.mu.Unlock()
				err := e.sender.SendMessage(ctx, pi.ID, Message{
					Wantlist: []Entry{{Cid: c, Priority: 1, WantType: WantBlock, SendDontHave: true}},
				})
				if err != nil {
					log.Debugf("get %s: ask %s: %s", c, pi.ID, err)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case data := <-want:
		return data, nil
	case <-ctx.Done():
		return nil, corerrors.Wrap(corerrors.ErrCancelled, ctx.Err())
	}
}

// Unwant cancels interest in c: it stops rebroadcasting it and sends a
// CANCEL entry to every peer it was asked of.
func (e *Engine) Unwant(ctx context.Context, c cid.Cid) {
	e.mu.Lock()
	entry, ok := e.wants[c]
	delete(e.wants, c)
	var asked []peer.ID
	if ok {
		for p := range entry.Asked {
			asked = append(asked, p)
		}
	}
	e.mu.Unlock()

	for _, p := range asked {
		_ = e.sender.SendMessage(ctx, p, Message{Wantlist: []Entry{{Cid: c, Cancel: true}}})
	}
}

// BroadcastWantlist sends the current wantlist to every peer in peers, one
// send task per peer so a slow peer never blocks delivery to the others,
// and records each peer that accepted the send as asked for every entry.
func (e *Engine) BroadcastWantlist(ctx context.Context, peers []peer.ID) {
	e.mu.Lock()
	var entries []Entry
	for c, w := range e.wants {
		entries = append(entries, Entry{Cid: c, Priority: w.Priority, WantType: w.WantType, SendDontHave: true})
	}
	e.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := e.sender.SendMessage(sendCtx, p, Message{Wantlist: entries}); err != nil {
				log.Debugf("broadcast wantlist to %s: %s", p, err)
				return
			}
			e.mu.Lock()
			for _, sent := range entries {
				if entry, ok := e.wants[sent.Cid]; ok {
					entry.Asked[p] = struct{}{}
				}
			}
			e.mu.Unlock()
		}(p)
	}
	wg.Wait()
}

// ReceiveMessage processes an incoming message from from: it records any
// wantlist entries as demand on our PeerLedger, queues responses for the
// decision worker, and resolves any local waiters for received blocks.
func (e *Engine) ReceiveMessage(ctx context.Context, from peer.ID, m Message) error {
	e.mu.Lock()
	l := e.ledger(from)
	if m.Full {
		l.Wantlist = make(map[cid.Cid]Entry)
	}
	for _, entry := range m.Wantlist {
		if entry.Cancel {
			delete(l.Wantlist, entry.Cid)
			e.tq.Remove(peertask.Topic(entry.Cid.String()), from)
			continue
		}
		l.Wantlist[entry.Cid] = entry
		e.tq.PushTasks(from, peertask.Task{
			Topic:    peertask.Topic(entry.Cid.String()),
			Priority: int(entry.Priority),
			Work:     1,
			Data:     entry,
		})
	}
	e.mu.Unlock()

	for _, blk := range m.Blocks {
		e.receiveBlock(ctx, from, blk.Cid, blk.Data)
	}
	for _, p := range m.Presences {
		e.receivePresence(p)
	}

	return nil
}

// receiveBlock verifies data actually hashes to c (the CID the sender
// declared in the payload prefix) before storing or delivering it to any
// waiter. A peer that sends mis-hashing bytes gets its block silently
// dropped; the waiter is left registered so a later, honest answer can
// still resolve it.
func (e *Engine) receiveBlock(ctx context.Context, from peer.ID, c cid.Cid, data []byte) {
	if err := verifyBlockHash(c, data); err != nil {
		log.Warnf("dropping mis-hashed block %s from %s: %s", c, from, err)
		return
	}

	e.mu.Lock()
	l := e.ledger(from)
	l.BytesRecv += uint64(len(data))
	already, _ := e.store.Has(ctx, c)
	waiters := e.waiters[c]
	delete(e.waiters, c)
	delete(e.wants, c)
	e.mu.Unlock()

	e.allBytes.Observe(float64(len(data)))
	if already {
		e.dupBytes.Observe(float64(len(data)))
	}

	if err := e.store.Put(ctx, c, data); err != nil {
		log.Warnf("store received block %s: %s", c, err)
		return
	}

	for _, w := range waiters {
		w.deliver(data)
	}
}

func (e *Engine) receivePresence(p BlockPresence) {
	// presence-only responses don't resolve a waiter; they inform future
	// routing decisions a fuller session implementation would use to pick
	// which peer to ask for the block itself. Left as a log line: no
	// session-scoring component consumes it yet.
	log.Debugf("presence from wantlist: %s have=%v", p.Cid, p.Have)
}

// ServeWants drains the peer task queue and sends responses (blocks or
// DONT_HAVE) for whatever this node can satisfy, until ctx is cancelled.
func (e *Engine) ServeWants(ctx context.Context) {
	for {
		p, tasks, pending := e.tq.PopTasks(1)
		if len(tasks) == 0 {
			if pending == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
					continue
				}
			}
			continue
		}
		for _, t := range tasks {
			entry := t.Data.(Entry)
			e.respondTo(ctx, p, entry)
		}
		e.tq.TasksDone(p, tasks...)
	}
}

func (e *Engine) respondTo(ctx context.Context, p peer.ID, entry Entry) {
	data, err := e.store.Get(ctx, entry.Cid)
	if err != nil {
		if entry.SendDontHave {
			_ = e.sender.SendMessage(ctx, p, Message{Presences: []BlockPresence{{Cid: entry.Cid, Have: false}}})
		}
		return
	}

	if entry.WantType == WantHave {
		_ = e.sender.SendMessage(ctx, p, Message{Presences: []BlockPresence{{Cid: entry.Cid, Have: true}}})
		return
	}

	if err := e.sender.SendMessage(ctx, p, Message{Blocks: []RawBlock{{Cid: entry.Cid, Data: data}}}); err != nil {
		log.Debugf("send block %s to %s: %s", entry.Cid, p, err)
		return
	}

	e.mu.Lock()
	e.ledger(p).BytesSent += uint64(len(data))
	e.mu.Unlock()
}

// Receipts returns a point-in-time snapshot of every peer ledger.
func (e *Engine) Receipts() []Receipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Receipt, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		value := float64(0)
		if l.BytesRecv > 0 {
			value = float64(l.BytesSent) / float64(l.BytesRecv)
		}
		out = append(out, Receipt{Peer: l.Peer, Value: value, BytesSent: l.BytesSent, BytesRecv: l.BytesRecv})
	}
	return out
}

// verifyBlockHash mirrors blockstore.Rehash's decode-and-recompute check,
// applied to bytes fresh off the wire rather than bytes already on disk: it
// rejects a block before it is ever stored under a waiter's CID.
func verifyBlockHash(c cid.Cid, data []byte) error {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	recomputed, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	if string(recomputed) != string(c.Hash()) {
		return corerrors.Wrap(corerrors.ErrProtocol, errHashMismatch)
	}
	return nil
}

var errHashMismatch = errors.New("block bytes do not hash to the declared cid")
