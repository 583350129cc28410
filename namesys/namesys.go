package namesys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"ipfscore/corerrors"
	"ipfscore/datastore"
)

var log = logging.Logger("namesys")

const prefixIPNS = "/ipns/"
const prefixIPFS = "/ipfs/"

var sequenceKeyPrefix = ds.NewKey("/ipns-sequence")

// maxSeenKeyPrefix namespaces the per-peer replay barrier: the highest
// sequence number ever admitted from that peer, persisted so a cache
// eviction or process restart can't un-reject an old record (spec §4.7).
var maxSeenKeyPrefix = ds.NewKey("/ipns-maxseen")

// Router is the minimal DHT capability the manager needs: publish and
// fetch the latest record bytes for a key.
type Router interface {
	PutValue(ctx context.Context, key string, value []byte) error
	GetValue(ctx context.Context, key string) ([]byte, error)
}

// PubSub is the minimal publish/subscribe capability used to propagate
// freshly published records faster than DHT republish intervals allow.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, onMessage func([]byte)) error
}

// Manager implements publish/resolve over the /ipns/ namespace, per spec
// §4.7, backed by a real DHT (Router) and pub/sub (PubSub) collaborator.
type Manager struct {
	router Router
	pubsub PubSub
	ds     datastore.Datastore

	mu        sync.Mutex
	cache     map[peer.ID]Record
	subscribed map[peer.ID]struct{}

	recordTTL time.Duration
}

func New(router Router, pubsub PubSub, ds datastore.Datastore) *Manager {
	return &Manager{
		router:     router,
		pubsub:     pubsub,
		ds:         ds,
		cache:      make(map[peer.ID]Record),
		subscribed: make(map[peer.ID]struct{}),
		recordTTL:  24 * time.Hour,
	}
}

func pubsubTopic(p peer.ID) string {
	return "/record/" + base64.URLEncoding.EncodeToString([]byte(prefixIPNS+p.String()))
}

func routingKey(p peer.ID) string {
	return prefixIPNS + string(p)
}

// Publish signs a new record for priv's identity pointing at value, with a
// sequence number strictly greater than any this node has published
// before, and pushes it to both the DHT and pub/sub.
func (m *Manager) Publish(ctx context.Context, priv ed25519.PrivateKey, value string, validFor time.Duration) (Record, error) {
	pub := priv.Public().(ed25519.PublicKey)
	libp2pPub, err := crypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return Record{}, corerrors.Wrap(corerrors.ErrInvalidArgument, err)
	}
	p, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return Record{}, corerrors.Wrap(corerrors.ErrInvalidArgument, err)
	}

	seq, err := m.nextSequence(ctx, p)
	if err != nil {
		return Record{}, err
	}

	r := Record{
		Value:        value,
		ValidityType: ValidityEOL,
		Validity:     time.Now().Add(validFor),
		Sequence:     seq,
		TTL:          m.recordTTL,
	}
	Sign(&r, priv)

	data := r.Marshal()
	if err := m.router.PutValue(ctx, routingKey(p), data); err != nil {
		return Record{}, fmt.Errorf("publish to routing: %w", err)
	}
	if m.pubsub != nil {
		if err := m.pubsub.Publish(ctx, pubsubTopic(p), data); err != nil {
			log.Warnf("publish to pubsub for %s: %s", p, err)
		}
	}

	m.mu.Lock()
	m.cache[p] = r
	m.mu.Unlock()

	return r, nil
}

func (m *Manager) nextSequence(ctx context.Context, p peer.ID) (uint64, error) {
	key := sequenceKeyPrefix.ChildString(p.String())
	data, err := m.ds.Get(ctx, key)
	var current uint64
	if err == nil {
		current = decodeUint64(data)
	} else if err != ds.ErrNotFound {
		return 0, err
	}
	next := current + 1
	if err := m.ds.Put(ctx, key, encodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// Resolve follows name (an "/ipns/<id-or-dnslink>" path) to its terminal
// "/ipfs/..." value, recursively chasing further "/ipns/" indirections,
// subscribing to the target's pub/sub topic the first time it is resolved
// so future updates arrive without a fresh DHT lookup. A DNSLink segment
// (one containing a dot) is not looked up: Resolve returns ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, name string, maxDepth int) (string, error) {
	cur := name
	for i := 0; i < maxDepth; i++ {
		if strings.HasPrefix(cur, prefixIPFS) {
			return cur, nil
		}
		if !strings.HasPrefix(cur, prefixIPNS) {
			return "", corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("not an ipns path: %q", cur))
		}

		rest := strings.TrimPrefix(cur, prefixIPNS)
		segment, remainder, _ := strings.Cut(rest, "/")

		if strings.Contains(segment, ".") {
			return "", corerrors.Wrap(corerrors.ErrNotFound, fmt.Errorf("dnslink resolution for %q requires an external DNS TXT lookup, not implemented by this facade", segment))
		}

		p, err := peer.Decode(segment)
		if err != nil {
			return "", corerrors.Wrap(corerrors.ErrInvalidArgument, err)
		}

		r, err := m.resolveOnce(ctx, p)
		if err != nil {
			return "", err
		}

		next := r.Value
		if remainder != "" {
			next = next + "/" + remainder
		}
		cur = next
	}
	return "", corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("exceeded max indirection depth %d resolving %q", maxDepth, name))
}

func (m *Manager) resolveOnce(ctx context.Context, p peer.ID) (Record, error) {
	m.mu.Lock()
	cached, ok := m.cache[p]
	_, subscribed := m.subscribed[p]
	m.mu.Unlock()

	if ok && time.Now().Before(cached.Validity) {
		m.ensureSubscribed(ctx, p, subscribed)
		return cached, nil
	}

	data, err := m.router.GetValue(ctx, routingKey(p))
	if err != nil {
		return Record{}, corerrors.Wrap(corerrors.ErrNotFound, err)
	}
	r, err := Unmarshal(data)
	if err != nil {
		return Record{}, err
	}
	if err := m.Admit(ctx, p, r); err != nil {
		return Record{}, err
	}

	m.ensureSubscribed(ctx, p, subscribed)
	return r, nil
}

func (m *Manager) ensureSubscribed(ctx context.Context, p peer.ID, already bool) {
	if already || m.pubsub == nil {
		return
	}
	m.mu.Lock()
	m.subscribed[p] = struct{}{}
	m.mu.Unlock()

	if err := m.pubsub.Subscribe(ctx, pubsubTopic(p), func(data []byte) {
		if r, err := Unmarshal(data); err == nil {
			_ = m.Admit(context.Background(), p, r)
		}
	}); err != nil {
		log.Warnf("subscribe to %s: %s", p, err)
	}
}

// Admit validates r for p and, if it is both well-signed and newer than
// anything previously admitted for p, installs it as the cached current
// record. Records with a sequence not strictly greater than the persisted
// per-peer maximum are rejected as stale/replayed (spec §4.7's "reject
// older record" invariant), even if their own signature verifies. The
// maximum lives in the datastore, not just m.cache, so the barrier holds
// across a cache eviction or a process restart.
func (m *Manager) Admit(ctx context.Context, p peer.ID, r Record) error {
	if err := Verify(r); err != nil {
		return err
	}
	if !peerMatchesKey(p, r.PubKey) {
		return corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("record public key does not match peer %s", p))
	}
	if time.Now().After(r.Validity) {
		return corerrors.Wrap(corerrors.ErrStaleRecord, fmt.Errorf("record for %s expired at %s", p, r.Validity))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	maxSeen, err := m.maxSeenSequence(ctx, p)
	if err != nil {
		return err
	}
	if r.Sequence <= maxSeen {
		return corerrors.Wrap(corerrors.ErrStaleRecord, fmt.Errorf("record sequence %d does not exceed stored maximum %d for %s", r.Sequence, maxSeen, p))
	}
	if err := m.recordMaxSeen(ctx, p, r.Sequence); err != nil {
		return err
	}

	m.cache[p] = r
	return nil
}

func (m *Manager) maxSeenSequence(ctx context.Context, p peer.ID) (uint64, error) {
	data, err := m.ds.Get(ctx, maxSeenKeyPrefix.ChildString(p.String()))
	if err != nil {
		if err == ds.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return decodeUint64(data), nil
}

func (m *Manager) recordMaxSeen(ctx context.Context, p peer.ID, seq uint64) error {
	return m.ds.Put(ctx, maxSeenKeyPrefix.ChildString(p.String()), encodeUint64(seq))
}

func peerMatchesKey(p peer.ID, pub ed25519.PublicKey) bool {
	libp2pPub, err := crypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return false
	}
	derived, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return false
	}
	return derived == p
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Validator adapts this namespace's admission rule to libp2p-record's
// Validator interface, the same extension point the original source
// registers into its DHT's record validator chain, so the routing
// facade's DHT can enforce IPNS semantics directly.
type Validator struct{}

var _ record.Validator = Validator{}

func (Validator) Validate(key string, value []byte) error {
	if !strings.HasPrefix(key, prefixIPNS) {
		return corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("ipns validator given non-ipns key %q", key))
	}
	r, err := Unmarshal(value)
	if err != nil {
		return err
	}
	if err := Verify(r); err != nil {
		return err
	}
	if time.Now().After(r.Validity) {
		return corerrors.Wrap(corerrors.ErrStaleRecord, fmt.Errorf("record expired at %s", r.Validity))
	}
	return nil
}

// Select picks the "best" of several candidate values for the same key:
// highest sequence number first, then longer remaining validity — matching
// the original implementation's ipns.Validator.Select behavior used to
// reconcile divergent records seen from different DHT peers.
func (Validator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestRec Record
	for i, v := range values {
		r, err := Unmarshal(v)
		if err != nil {
			continue
		}
		if best == -1 || r.Sequence > bestRec.Sequence ||
			(r.Sequence == bestRec.Sequence && r.Validity.After(bestRec.Validity)) {
			best = i
			bestRec = r
		}
	}
	if best == -1 {
		return 0, corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("no valid ipns records among %d candidates", len(values)))
	}
	return best, nil
}
