// Package chunker splits a byte stream into content-addressed blocks and
// assembles them into a UnixFS merkle DAG, in either balanced or trickle
// layout, and reverses the process to read a DAG back into a byte stream.
package chunker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	boxochunk "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/boxo/ipld/unixfs"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipldformat "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/nacl/secretbox"

	"ipfscore/corerrors"
)

var log = logging.Logger("chunker")

// Layout selects how leaves are assembled into an intermediate tree.
type Layout string

const (
	LayoutBalanced Layout = "balanced"
	LayoutTrickle  Layout = "trickle"
)

// BalancedBranching is the fan-out of an interior node in balanced layout.
const BalancedBranching = 174

// TrickleMaxDepth bounds how deep a trickle DAG's subtree chain grows.
const TrickleMaxDepth = 5

// Hash algorithm names accepted by Options.HashFunc.
const (
	HashSHA256     = "sha2-256"
	HashBlake2b256 = "blake2b-256"
)

// cidCodecCms is the "cms" (Cryptographic Message Syntax) multicodec: the
// codec tag spec §3 and §4.4 use for protection-key-encrypted leaves.
const cidCodecCms = 0x90

// Options configures a single Add operation.
type Options struct {
	// Splitter selects the chunking algorithm: "size-<n>", "rabin",
	// or "rabin-<min>-<avg>-<max>". Defaults to "size-262144".
	Splitter string

	Layout Layout // defaults to LayoutBalanced

	// CidVersion selects 0 or 1 for produced dag-pb nodes. CIDv0 implies
	// sha2-256 and no explicit codec multicodec prefix.
	CidVersion int

	RawLeaves bool // store leaves as raw blocks instead of UnixFS-wrapped dag-pb

	// HashFunc selects the multihash algorithm leaves and interior nodes
	// are hashed with: HashSHA256 (default) or HashBlake2b256.
	HashFunc string

	// ProtectionKey, when non-empty, encrypts every leaf's bytes under
	// this 32-byte symmetric key and tags the leaf with codec cms instead
	// of raw or dag-pb (spec §4.4's protection-key leaf path).
	ProtectionKey []byte
}

func (o Options) withDefaults() Options {
	if o.Splitter == "" {
		o.Splitter = "size-262144"
	}
	if o.Layout == "" {
		o.Layout = LayoutBalanced
	}
	return o
}

// BlockPutter is the minimal capability the builder needs from the block
// layer: write a block, keyed by its own CID.
type BlockPutter interface {
	Put(ctx context.Context, b blocks.Block) error
}

// BlockGetter is the minimal capability the reader needs.
type BlockGetter interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
}

// splitterFor parses the splitter grammar described in SPEC_FULL's Chunker
// supplement and returns a boxo chunker.Splitter over r.
func splitterFor(name string, r io.Reader) (boxochunk.Splitter, error) {
	switch {
	case name == "rabin":
		return boxochunk.NewRabin(r, boxochunk.DefaultBlockSize), nil
	case strings.HasPrefix(name, "rabin-"):
		parts := strings.Split(strings.TrimPrefix(name, "rabin-"), "-")
		if len(parts) != 3 {
			return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("malformed rabin splitter spec %q", name))
		}
		min, err1 := strconv.Atoi(parts[0])
		avg, err2 := strconv.Atoi(parts[1])
		max, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("malformed rabin splitter spec %q", name))
		}
		return boxochunk.NewRabinMinMax(r, uint64(min), uint64(avg), uint64(max)), nil
	case strings.HasPrefix(name, "size-"):
		n, err := strconv.Atoi(strings.TrimPrefix(name, "size-"))
		if err != nil || n <= 0 {
			return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("malformed size splitter spec %q", name))
		}
		return boxochunk.NewSizeSplitter(r, int64(n)), nil
	default:
		return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("unknown splitter %q", name))
	}
}

// Add chunks r per opts, builds the DAG, writes every block via put, and
// returns the root CID. The output is deterministic: identical bytes and
// options always produce the same root.
func Add(ctx context.Context, put BlockPutter, r io.Reader, opts Options) (cid.Cid, error) {
	opts = opts.withDefaults()

	split, err := splitterFor(opts.Splitter, r)
	if err != nil {
		return cid.Undef, err
	}

	var leaves []ipldformat.Node
	for {
		chunk, err := split.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cid.Undef, err
		}
		node, err := makeLeaf(chunk, opts)
		if err != nil {
			return cid.Undef, err
		}
		if err := putNode(ctx, put, node); err != nil {
			return cid.Undef, err
		}
		leaves = append(leaves, node)
	}

	if len(leaves) == 0 {
		node, err := makeLeaf(nil, opts)
		if err != nil {
			return cid.Undef, err
		}
		if err := putNode(ctx, put, node); err != nil {
			return cid.Undef, err
		}
		return node.Cid(), nil
	}
	if len(leaves) == 1 {
		return leaves[0].Cid(), nil
	}

	var root ipldformat.Node
	switch opts.Layout {
	case LayoutTrickle:
		root, err = buildTrickle(ctx, put, leaves, opts)
	default:
		root, err = buildBalanced(ctx, put, leaves, opts)
	}
	if err != nil {
		return cid.Undef, err
	}
	return root.Cid(), nil
}

// hashCode resolves a HashFunc option to the multihash algorithm code.
func hashCode(name string) (uint64, error) {
	switch name {
	case "", HashSHA256:
		return multihash.SHA2_256, nil
	case HashBlake2b256:
		return multihash.BLAKE2B_MIN + 31, nil
	default:
		return 0, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("unknown hash function %q", name))
	}
}

// rawNodeWithCid overrides the CID of an embedded *merkledag.RawNode
// without touching its bytes: used for raw leaves hashed with a
// non-default algorithm and for cms leaves, whose codec or hash differs
// from what merkledag.NewRawNode would compute on its own.
type rawNodeWithCid struct {
	*merkledag.RawNode
	cid cid.Cid
}

func (n *rawNodeWithCid) Cid() cid.Cid { return n.cid }

func makeRawLeaf(data []byte, mhCode uint64) (ipldformat.Node, error) {
	if mhCode == multihash.SHA2_256 {
		return merkledag.NewRawNode(data), nil
	}
	sum, err := multihash.Sum(data, mhCode, -1)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, err)
	}
	return &rawNodeWithCid{RawNode: merkledag.NewRawNode(data), cid: cid.NewCidV1(cid.Raw, sum)}, nil
}

// encryptCms seals data under key with a nonce derived from key and data
// so Add stays deterministic: the same plaintext and key always produce
// the same ciphertext, and therefore the same leaf CID.
func encryptCms(data, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("protection key must be 32 bytes, got %d", len(key)))
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	seed := sha256.Sum256(append(append([]byte{}, key...), data...))
	var nonce [24]byte
	copy(nonce[:], seed[:24])
	return secretbox.Seal(nonce[:], data, &nonce, &keyArr), nil
}

func makeCmsLeaf(data []byte, opts Options) (ipldformat.Node, error) {
	mhCode, err := hashCode(opts.HashFunc)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryptCms(data, opts.ProtectionKey)
	if err != nil {
		return nil, err
	}
	sum, err := multihash.Sum(ciphertext, mhCode, -1)
	if err != nil {
		return nil, corerrors.Wrap(corerrors.ErrInvalidArgument, err)
	}
	return &rawNodeWithCid{RawNode: merkledag.NewRawNode(ciphertext), cid: cid.NewCidV1(cidCodecCms, sum)}, nil
}

// setProtoCidBuilder picks the cid.Builder a dag-pb node is finalized
// with: the zero-value CIDv0 builder (sha2-256 only, no explicit codec) or
// an explicit CIDv1 dag-pb builder under the requested hash algorithm.
func setProtoCidBuilder(pb *merkledag.ProtoNode, mhCode uint64, cidVersion int) error {
	if cidVersion == 0 {
		if mhCode != multihash.SHA2_256 {
			return corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("cid version 0 requires sha2-256"))
		}
		return nil
	}
	pb.SetCidBuilder(cid.V1Builder{Codec: cid.DagProtobuf, MhType: mhCode})
	return nil
}

func makeFileLeaf(data []byte, mhCode uint64, cidVersion int) (ipldformat.Node, error) {
	fsNode := unixfs.NewFSNode(unixfs.TFile)
	fsNode.SetData(data)
	fsNode.SetFileSize(uint64(len(data)))
	pbData, err := fsNode.GetBytes()
	if err != nil {
		return nil, err
	}
	pb := merkledag.NodeWithData(pbData)
	if err := setProtoCidBuilder(pb, mhCode, cidVersion); err != nil {
		return nil, err
	}
	return pb, nil
}

func makeLeaf(data []byte, opts Options) (ipldformat.Node, error) {
	if len(opts.ProtectionKey) > 0 {
		return makeCmsLeaf(data, opts)
	}
	mhCode, err := hashCode(opts.HashFunc)
	if err != nil {
		return nil, err
	}
	if opts.RawLeaves {
		return makeRawLeaf(data, mhCode)
	}
	return makeFileLeaf(data, mhCode, opts.CidVersion)
}

func putNode(ctx context.Context, put BlockPutter, n ipldformat.Node) error {
	b, err := blocks.NewBlockWithCid(n.RawData(), n.Cid())
	if err != nil {
		return err
	}
	return put.Put(ctx, b)
}

// buildBalanced groups leaves (or subtrees) into bundles of BalancedBranching
// children, recursively, until a single root remains — the shape described
// in spec §4.4's "balanced layout" scenario.
func buildBalanced(ctx context.Context, put BlockPutter, level []ipldformat.Node, opts Options) (ipldformat.Node, error) {
	for len(level) > 1 {
		var next []ipldformat.Node
		for i := 0; i < len(level); i += BalancedBranching {
			end := i + BalancedBranching
			if end > len(level) {
				end = len(level)
			}
			parent, err := wrapParent(level[i:end], opts)
			if err != nil {
				return nil, err
			}
			if err := putNode(ctx, put, parent); err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		level = next
	}
	return level[0], nil
}

// buildTrickle lays out children depth-first: each subtree absorbs as many
// direct leaves as the trickle layer width allows before recursing one
// level deeper, bounded by TrickleMaxDepth, per spec §4.4's "trickle
// layout" scenario (single remaining child short-circuits to that child
// directly rather than wrapping it again).
func buildTrickle(ctx context.Context, put BlockPutter, leaves []ipldformat.Node, opts Options) (ipldformat.Node, error) {
	return trickleLevel(ctx, put, leaves, 1, opts)
}

func trickleLevel(ctx context.Context, put BlockPutter, nodes []ipldformat.Node, depth int, opts Options) (ipldformat.Node, error) {
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	if depth >= TrickleMaxDepth || len(nodes) <= BalancedBranching {
		parent, err := wrapParent(nodes, opts)
		if err != nil {
			return nil, err
		}
		if err := putNode(ctx, put, parent); err != nil {
			return nil, err
		}
		return parent, nil
	}

	direct := nodes[:BalancedBranching]
	rest, err := trickleLevel(ctx, put, nodes[BalancedBranching:], depth+1, opts)
	if err != nil {
		return nil, err
	}
	parent, err := wrapParent(append(append([]ipldformat.Node{}, direct...), rest), opts)
	if err != nil {
		return nil, err
	}
	if err := putNode(ctx, put, parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// childFileSize returns the declared size contributed by child to its
// parent's block-sizes list and file-size total: a dag-pb child's own
// UnixFS file-size, or the raw byte length for raw/cms leaves.
func childFileSize(child ipldformat.Node) uint64 {
	if n, ok := child.(*merkledag.ProtoNode); ok {
		if fsn, err := unixfs.FSNodeFromBytes(n.Data()); err == nil {
			return fsn.FileSize()
		}
	}
	return uint64(len(child.RawData()))
}

func wrapParent(children []ipldformat.Node, opts Options) (ipldformat.Node, error) {
	mhCode, err := hashCode(opts.HashFunc)
	if err != nil {
		return nil, err
	}
	fsNode := unixfs.NewFSNode(unixfs.TFile)
	pb := merkledag.NodeWithData(nil)
	if err := setProtoCidBuilder(pb, mhCode, opts.CidVersion); err != nil {
		return nil, err
	}
	for _, c := range children {
		if err := pb.AddNodeLink("", c); err != nil {
			return nil, err
		}
		fsNode.AddBlockSize(childFileSize(c))
	}
	data, err := fsNode.GetBytes()
	if err != nil {
		return nil, err
	}
	pb.SetData(data)
	return pb, nil
}

// Reader reconstructs the byte stream for a DAG rooted at root by walking
// dag-pb links left to right and concatenating leaf payloads.
func Reader(ctx context.Context, get BlockGetter, root cid.Cid) (io.Reader, error) {
	n, err := fetchNode(ctx, get, root)
	if err != nil {
		return nil, err
	}
	pieces, err := collectLeaves(ctx, get, n)
	if err != nil {
		return nil, err
	}
	readers := make([]io.Reader, len(pieces))
	for i, p := range pieces {
		readers[i] = strings_NewReaderBytes(p)
	}
	return io.MultiReader(readers...), nil
}

func strings_NewReaderBytes(b []byte) io.Reader {
	return &byteReader{b: b}
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func fetchNode(ctx context.Context, get BlockGetter, c cid.Cid) (ipldformat.Node, error) {
	b, err := get.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if c.Prefix().Codec != cid.DagProtobuf {
		// raw and cms leaves carry their payload directly; cms payload is
		// still ciphertext here since Reader has no protection key to
		// decrypt it with.
		return merkledag.NewRawNode(b.RawData()), nil
	}
	return merkledag.DecodeProtobuf(b.RawData())
}

func collectLeaves(ctx context.Context, get BlockGetter, n ipldformat.Node) ([][]byte, error) {
	links := n.Links()
	if len(links) == 0 {
		return [][]byte{leafPayload(n)}, nil
	}
	var out [][]byte
	for _, l := range links {
		child, err := fetchNode(ctx, get, l.Cid)
		if err != nil {
			return nil, err
		}
		childLeaves, err := collectLeaves(ctx, get, child)
		if err != nil {
			return nil, err
		}
		out = append(out, childLeaves...)
	}
	return out, nil
}

func leafPayload(n ipldformat.Node) []byte {
	pn, ok := n.(*merkledag.ProtoNode)
	if !ok {
		return n.RawData()
	}
	fsn, err := unixfs.FSNodeFromBytes(pn.Data())
	if err != nil {
		return nil
	}
	return fsn.Data()
}
