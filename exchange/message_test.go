package exchange

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testCid(t *testing.T, s string) cid.Cid {
	t.Helper()
	h, err := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, h)
}

func TestMessageMarshalUnmarshalRoundTrip(t *testing.T) {
	c1 := testCid(t, "one")
	c2 := testCid(t, "two")
	blockData := []byte("block data")
	blockC := testCid(t, string(blockData))

	m := Message{
		Full: true,
		Wantlist: []Entry{
			{Cid: c1, Priority: 5, WantType: WantBlock, SendDontHave: true},
			{Cid: c2, Priority: 1, WantType: WantHave, Cancel: true},
		},
		Blocks:       []RawBlock{{Cid: blockC, Data: blockData}},
		Presences:    []BlockPresence{{Cid: c2, Have: false}},
		PendingBytes: 42,
	}

	data := m.Marshal()
	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.True(t, got.Full)
	require.Len(t, got.Wantlist, 2)
	assert.True(t, got.Wantlist[0].Cid.Equals(c1))
	assert.Equal(t, int32(5), got.Wantlist[0].Priority)
	assert.Equal(t, WantBlock, got.Wantlist[0].WantType)
	assert.True(t, got.Wantlist[0].SendDontHave)
	assert.True(t, got.Wantlist[1].Cancel)
	assert.Equal(t, WantHave, got.Wantlist[1].WantType)

	require.Len(t, got.Blocks, 1)
	assert.True(t, got.Blocks[0].Cid.Equals(blockC))
	assert.Equal(t, blockData, got.Blocks[0].Data)

	require.Len(t, got.Presences, 1)
	assert.True(t, got.Presences[0].Cid.Equals(c2))
	assert.False(t, got.Presences[0].Have)

	assert.Equal(t, int32(42), got.PendingBytes)
}

func TestMessageMarshalEmptyWantlistOmitsField(t *testing.T) {
	data := []byte("x")
	m := Message{Blocks: []RawBlock{{Cid: testCid(t, string(data)), Data: data}}}
	got, err := Unmarshal(m.Marshal())
	require.NoError(t, err)
	assert.False(t, got.Full)
	assert.Empty(t, got.Wantlist)
}

func TestUnmarshalRejectsPayloadMissingPrefix(t *testing.T) {
	var payload []byte
	payload = protowire.AppendTag(payload, fieldPayloadData, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("x"))
	var b []byte
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)

	_, err := Unmarshal(b)
	assert.Error(t, err)
}

func TestWriteReadDelimitedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a delimited frame")

	require.NoError(t, WriteDelimited(&buf, payload))

	r := bufio.NewReader(&buf)
	got, err := ReadDelimited(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUnmarshalRejectsTruncatedData(t *testing.T) {
	_, err := Unmarshal([]byte{0xff})
	assert.Error(t, err)
}
