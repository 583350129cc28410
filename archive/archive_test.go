package archive

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipldformat "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNode struct {
	c     cid.Cid
	data  []byte
	links []*ipldformat.Link
}

type memDAG map[string]memNode

func (d memDAG) Get(ctx context.Context, c cid.Cid) (ipldformat.Node, error) {
	n, ok := d[c.String()]
	if !ok {
		return nil, errNotFound{}
	}
	return memNodeAdapter{n}, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type memNodeAdapter struct{ memNode }

func (n memNodeAdapter) RawData() []byte             { return n.data }
func (n memNodeAdapter) Cid() cid.Cid                { return n.c }
func (n memNodeAdapter) Links() []*ipldformat.Link   { return n.links }
func (n memNodeAdapter) String() string              { return n.c.String() }
func (n memNodeAdapter) Loggable() map[string]interface{} { return nil }
func (n memNodeAdapter) Resolve(p []string) (interface{}, []string, error) { return nil, nil, nil }
func (n memNodeAdapter) Tree(p string, depth int) []string { return nil }
func (n memNodeAdapter) ResolveLink(p []string) (*ipldformat.Link, []string, error) {
	return nil, nil, nil
}
func (n memNodeAdapter) Copy() ipldformat.Node               { return n }
func (n memNodeAdapter) Size() (uint64, error)                { return uint64(len(n.data)), nil }
func (n memNodeAdapter) Stat() (*ipldformat.NodeStat, error)  { return &ipldformat.NodeStat{}, nil }

type memPutter struct {
	put map[string][]byte
}

func (p *memPutter) Put(ctx context.Context, b blocks.Block) error {
	p.put[b.Cid().String()] = b.RawData()
	return nil
}

func rawCid(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	h, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, h)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()

	leafData := []byte("leaf")
	leafCid := rawCid(t, leafData)
	rootData := []byte("root")
	rootCid := rawCid(t, rootData)

	dag := memDAG{
		rootCid.String(): {c: rootCid, data: rootData, links: []*ipldformat.Link{{Cid: leafCid}}},
		leafCid.String(): {c: leafCid, data: leafData},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, &buf, dag, []cid.Cid{rootCid}))

	r := bufio.NewReader(&buf)
	header, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, HeaderVersion, header.Version)
	require.Len(t, header.Roots, 1)
	assert.True(t, header.Roots[0].Equals(rootCid))

	putter := &memPutter{put: map[string][]byte{}}
	require.NoError(t, ReadEntries(ctx, r, putter))

	assert.Equal(t, rootData, putter.put[rootCid.String()])
	assert.Equal(t, leafData, putter.put[leafCid.String()])
}

func TestWriteEmitsSharedBlockOnce(t *testing.T) {
	ctx := context.Background()

	sharedData := []byte("shared")
	sharedCid := rawCid(t, sharedData)
	rootData := []byte("two links to the same child")
	rootCid := rawCid(t, rootData)

	dag := memDAG{
		rootCid.String():   {c: rootCid, data: rootData, links: []*ipldformat.Link{{Cid: sharedCid}, {Cid: sharedCid}}},
		sharedCid.String(): {c: sharedCid, data: sharedData},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, &buf, dag, []cid.Cid{rootCid}))

	r := bufio.NewReader(&buf)
	_, err := ReadHeader(r)
	require.NoError(t, err)

	putter := &memPutter{put: map[string][]byte{}}
	require.NoError(t, ReadEntries(ctx, r, putter))
	assert.Len(t, putter.put, 2, "shared child must appear exactly once")
}
