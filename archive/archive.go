// Package archive implements the CAR-like archive codec: a varint-prefixed
// DAG-CBOR header naming the roots, followed by a flat sequence of
// (cid, data) entries written in the order a breadth-first export from the
// roots reaches them.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipldformat "github.com/ipfs/go-ipld-format"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-varint"

	"ipfscore/corerrors"
)

// HeaderVersion is the only version this codec writes.
const HeaderVersion = 1

// v2PragmaLen is the fixed length of a CARv2 pragma/header frame that
// precedes the embedded v1 payload; readers skip it if present rather than
// treating it as a malformed v1 header (spec §4.5's v2-compatibility note).
const v2PragmaLen = 40

// Header names the archive's root CIDs.
type Header struct {
	Version int
	Roots   []cid.Cid
}

// BlockGetter is the minimal read capability the writer needs.
type BlockGetter interface {
	Get(ctx context.Context, c cid.Cid) (ipldformat.Node, error)
}

// BlockPutter is the minimal write capability the reader needs.
type BlockPutter interface {
	Put(ctx context.Context, b blocks.Block) error
}

func encodeHeader(h Header) ([]byte, error) {
	roots := make([]interface{}, len(h.Roots))
	for i, r := range h.Roots {
		roots[i] = r
	}

	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(2)
	if err != nil {
		return nil, err
	}
	if err := ma.AssembleKey().AssignString("version"); err != nil {
		return nil, err
	}
	if err := ma.AssembleValue().AssignInt(int64(h.Version)); err != nil {
		return nil, err
	}
	if err := ma.AssembleKey().AssignString("roots"); err != nil {
		return nil, err
	}
	la, err := ma.AssembleValue().BeginList(int64(len(h.Roots)))
	if err != nil {
		return nil, err
	}
	for _, r := range h.Roots {
		if err := la.AssembleValue().AssignLink(cidlink.Link{Cid: r}); err != nil {
			return nil, err
		}
	}
	if err := la.Finish(); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write streams a CARv1-shaped archive to w: the header naming roots,
// followed by every block reachable from roots in breadth-first order,
// emitted exactly once each even when the DAG shares subtrees.
func Write(ctx context.Context, w io.Writer, get BlockGetter, roots []cid.Cid) error {
	headerBytes, err := encodeHeader(Header{Version: HeaderVersion, Roots: roots})
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := writeVarintFrame(bw, headerBytes); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	queue := append([]cid.Cid{}, roots...)

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		key := c.KeyString()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		node, err := get.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("archive: fetch %s: %w", c, err)
		}

		if err := writeEntry(bw, c, node.RawData()); err != nil {
			return err
		}

		for _, l := range node.Links() {
			queue = append(queue, l.Cid)
		}
	}

	return bw.Flush()
}

func writeEntry(w io.Writer, c cid.Cid, data []byte) error {
	cidBytes := c.Bytes()
	frame := make([]byte, 0, len(cidBytes)+len(data))
	frame = append(frame, cidBytes...)
	frame = append(frame, data...)
	return writeVarintFrame(w, frame)
}

func writeVarintFrame(w io.Writer, payload []byte) error {
	sizeBuf := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(sizeBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadHeader reads and decodes the archive header from r, transparently
// skipping a CARv2 pragma frame if present, and detecting bare CIDv0-style
// single-block payloads (no header at all — the first bytes decode as a
// raw sha2-256 multihash-prefixed CID, recognizable by the 0x12 leading
// byte of a CIDv0 multihash) as a malformed-header error rather than
// silently misparsing them.
func ReadHeader(r *bufio.Reader) (Header, error) {
	peek, err := r.Peek(2)
	if err == nil && len(peek) == 2 && peek[0] == 0x12 {
		return Header{}, corerrors.Wrap(corerrors.ErrInvalidArgument, fmt.Errorf("archive: input looks like a bare CIDv0 block, not an archive"))
	}

	frame, err := readVarintFrame(r)
	if err != nil {
		return Header{}, err
	}

	if len(frame) == v2PragmaLen {
		frame, err = readVarintFrame(r)
		if err != nil {
			return Header{}, err
		}
	}

	nb := basicnode.Prototype.Map.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(frame)); err != nil {
		return Header{}, corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("archive: decode header: %w", err))
	}
	n := nb.Build()

	var h Header
	versionNode, err := n.LookupByString("version")
	if err != nil {
		return Header{}, corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	version, err := versionNode.AsInt()
	if err != nil {
		return Header{}, corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	h.Version = int(version)

	rootsNode, err := n.LookupByString("roots")
	if err != nil {
		return Header{}, corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	it := rootsNode.ListIterator()
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return Header{}, err
		}
		l, err := v.AsLink()
		if err != nil {
			return Header{}, err
		}
		cl, ok := l.(cidlink.Link)
		if !ok {
			return Header{}, corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("archive: root link is not CID-shaped"))
		}
		h.Roots = append(h.Roots, cl.Cid)
	}

	return h, nil
}

// ReadEntries decodes the flat (cid, data) stream following the header and
// writes each block via put.
func ReadEntries(ctx context.Context, r *bufio.Reader, put BlockPutter) error {
	for {
		frame, err := readVarintFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		c, n, err := cid.CidFromBytes(frame)
		if err != nil {
			return corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("archive: decode entry cid: %w", err))
		}
		data := frame[n:]

		b, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return corerrors.Wrap(corerrors.ErrProtocol, err)
		}
		if err := put.Put(ctx, b); err != nil {
			return err
		}
	}
}

func readVarintFrame(r *bufio.Reader) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
