package exchange

import (
	"bufio"
	"io"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"ipfscore/corerrors"
)

// ProtocolVersion identifies one of the wire formats this node speaks, in
// descending preference order (spec §4.6's "protocol version vtable").
type ProtocolVersion string

const (
	ProtoV120 ProtocolVersion = "/ipfs/bitswap/1.2.0"
	ProtoV110 ProtocolVersion = "/ipfs/bitswap/1.1.0"
	ProtoV100 ProtocolVersion = "/ipfs/bitswap/1.0.0"
)

// SupportedProtocols lists the bitswap protocol versions, most preferred
// first. Nothing negotiates over this list: cmd/node dials and serves
// ProtoV120 only.
var SupportedProtocols = []ProtocolVersion{ProtoV120, ProtoV110, ProtoV100}

// WantType distinguishes a request for the full block from a request for
// only a HAVE/DONT_HAVE presence answer (introduced in bitswap 1.2.0;
// 1.0.0/1.1.0 peers only ever send WantBlock).
type WantType int

const (
	WantBlock WantType = iota
	WantHave
)

// Entry is one line of a wantlist.
type Entry struct {
	Cid        cid.Cid
	Priority   int32
	Cancel     bool
	WantType   WantType
	SendDontHave bool
}

// BlockPresence reports HAVE or DONT_HAVE for a CID, bitswap 1.2.0's
// alternative to sending the block itself.
type BlockPresence struct {
	Cid    cid.Cid
	Have   bool
}

// RawBlock pairs a block's declared CID with its raw bytes. The CID is
// carried on the wire as a cid.Prefix (version/codec/hash-fn/hash-length)
// alongside the data, not re-derived with a fixed codec/hash assumption,
// since bitswap peers exchange raw leaves, CIDv0 dag-pb, and non-sha256
// blocks interchangeably.
type RawBlock struct {
	Cid  cid.Cid
	Data []byte
}

// Message is one bitswap protocol message: a (possibly partial) wantlist,
// zero or more full blocks, and zero or more presence responses.
type Message struct {
	Full      bool // true: replace the peer's tracked wantlist; false: this is a diff
	Wantlist  []Entry
	Blocks    []RawBlock
	Presences []BlockPresence
	PendingBytes int32
}

// field numbers below mirror the real bitswap.pb.Message layout used by
// kubo/boxo: Message.Wantlist=1, Message.blocks(raw)=3, Message.payload
// (blocks with prefix)=4, Message.blockPresences=5, Message.pendingBytes=6;
// Wantlist.entries=1, Wantlist.full=2; Entry.block(cid bytes)=1,
// Entry.priority=2, Entry.cancel=3, Entry.wantType=4, Entry.sendDontHave=5.
const (
	fieldWantlist       = protowire.Number(1)
	fieldPayload        = protowire.Number(4)
	fieldBlockPresences = protowire.Number(5)
	fieldPendingBytes   = protowire.Number(6)

	fieldWLEntries = protowire.Number(1)
	fieldWLFull    = protowire.Number(2)

	fieldEntryBlock        = protowire.Number(1)
	fieldEntryPriority     = protowire.Number(2)
	fieldEntryCancel       = protowire.Number(3)
	fieldEntryWantType     = protowire.Number(4)
	fieldEntrySendDontHave = protowire.Number(5)

	fieldPayloadPrefix = protowire.Number(1)
	fieldPayloadData   = protowire.Number(2)

	fieldPresenceCid  = protowire.Number(1)
	fieldPresenceType = protowire.Number(2)
)

// Marshal encodes m using protowire directly (no generated stubs), the
// field numbering matching the real bitswap.pb.Message so a kubo/boxo peer
// can decode it.
func (m Message) Marshal() []byte {
	var b []byte

	if len(m.Wantlist) > 0 || m.Full {
		var wl []byte
		for _, e := range m.Wantlist {
			var entry []byte
			entry = protowire.AppendTag(entry, fieldEntryBlock, protowire.BytesType)
			entry = protowire.AppendBytes(entry, e.Cid.Bytes())
			entry = protowire.AppendTag(entry, fieldEntryPriority, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(int64(e.Priority)))
			if e.Cancel {
				entry = protowire.AppendTag(entry, fieldEntryCancel, protowire.VarintType)
				entry = protowire.AppendVarint(entry, 1)
			}
			entry = protowire.AppendTag(entry, fieldEntryWantType, protowire.VarintType)
			entry = protowire.AppendVarint(entry, uint64(e.WantType))
			if e.SendDontHave {
				entry = protowire.AppendTag(entry, fieldEntrySendDontHave, protowire.VarintType)
				entry = protowire.AppendVarint(entry, 1)
			}

			wl = protowire.AppendTag(wl, fieldWLEntries, protowire.BytesType)
			wl = protowire.AppendBytes(wl, entry)
		}
		if m.Full {
			wl = protowire.AppendTag(wl, fieldWLFull, protowire.VarintType)
			wl = protowire.AppendVarint(wl, 1)
		}
		b = protowire.AppendTag(b, fieldWantlist, protowire.BytesType)
		b = protowire.AppendBytes(b, wl)
	}

	for _, blk := range m.Blocks {
		var payload []byte
		payload = protowire.AppendTag(payload, fieldPayloadPrefix, protowire.BytesType)
		payload = protowire.AppendBytes(payload, blk.Cid.Prefix().Bytes())
		payload = protowire.AppendTag(payload, fieldPayloadData, protowire.BytesType)
		payload = protowire.AppendBytes(payload, blk.Data)
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}

	for _, p := range m.Presences {
		var pr []byte
		pr = protowire.AppendTag(pr, fieldPresenceCid, protowire.BytesType)
		pr = protowire.AppendBytes(pr, p.Cid.Bytes())
		t := int64(0)
		if !p.Have {
			t = 1
		}
		pr = protowire.AppendTag(pr, fieldPresenceType, protowire.VarintType)
		pr = protowire.AppendVarint(pr, uint64(t))
		b = protowire.AppendTag(b, fieldBlockPresences, protowire.BytesType)
		b = protowire.AppendBytes(b, pr)
	}

	if m.PendingBytes != 0 {
		b = protowire.AppendTag(b, fieldPendingBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.PendingBytes)))
	}

	return b
}

// Unmarshal decodes a protowire-encoded bitswap message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldWantlist:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			wl, full, err := unmarshalWantlist(v)
			if err != nil {
				return Message{}, err
			}
			m.Wantlist = wl
			m.Full = full

		case fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			blk, err := unmarshalPayload(v)
			if err != nil {
				return Message{}, err
			}
			m.Blocks = append(m.Blocks, blk)

		case fieldBlockPresences:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			p, err := unmarshalPresence(v)
			if err != nil {
				return Message{}, err
			}
			m.Presences = append(m.Presences, p)

		case fieldPendingBytes:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			m.PendingBytes = int32(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalWantlist(data []byte) ([]Entry, bool, error) {
	var entries []Entry
	var full bool
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, false, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldWLEntries:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, false, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			e, err := unmarshalEntry(v)
			if err != nil {
				return nil, false, err
			}
			entries = append(entries, e)
		case fieldWLFull:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, false, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			full = v != 0
		default:
			return nil, false, corerrors.Wrap(corerrors.ErrProtocol, errUnknownField)
		}
	}
	return entries, full, nil
}

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldEntryBlock:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			c, err := cid.Cast(v)
			if err != nil {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, err)
			}
			e.Cid = c
		case fieldEntryPriority:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			e.Priority = int32(int64(v))
		case fieldEntryCancel:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			e.Cancel = v != 0
		case fieldEntryWantType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			e.WantType = WantType(v)
		case fieldEntrySendDontHave:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			e.SendDontHave = v != 0
		default:
			return Entry{}, corerrors.Wrap(corerrors.ErrProtocol, errUnknownField)
		}
	}
	return e, nil
}

// unmarshalPayload decodes one payload submessage: the prefix identifies
// the block's version/codec/hash function, and the declared CID is
// recovered by hashing data under that prefix rather than assumed to be
// dag-pb/sha2-256/v1, so non-default blocks (CIDv0 leaves, raw leaves,
// blake2b blocks) still resolve to the CID the sender actually meant.
func unmarshalPayload(data []byte) (RawBlock, error) {
	var prefixBytes, blockData []byte
	var haveData bool
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldPayloadData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			blockData = v
			haveData = true
		case fieldPayloadPrefix:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			prefixBytes = v
		default:
			return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, errUnknownField)
		}
	}
	if !haveData {
		return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, errMissingPayload)
	}
	if prefixBytes == nil {
		return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, errMissingPrefix)
	}

	prefix, err := cid.PrefixFromBytes(prefixBytes)
	if err != nil {
		return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	c, err := prefix.Sum(blockData)
	if err != nil {
		return RawBlock{}, corerrors.Wrap(corerrors.ErrProtocol, err)
	}
	return RawBlock{Cid: c, Data: blockData}, nil
}

func unmarshalPresence(data []byte) (BlockPresence, error) {
	var p BlockPresence
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			return BlockPresence{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldPresenceCid:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return BlockPresence{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			c, err := cid.Cast(v)
			if err != nil {
				return BlockPresence{}, corerrors.Wrap(corerrors.ErrProtocol, err)
			}
			p.Cid = c
		case fieldPresenceType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return BlockPresence{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			p.Have = v == 0
		default:
			return BlockPresence{}, corerrors.Wrap(corerrors.ErrProtocol, errUnknownField)
		}
	}
	return p, nil
}

// WriteDelimited frames data with a varint length prefix, the framing
// bitswap's libp2p stream transport uses between messages.
func WriteDelimited(w io.Writer, data []byte) error {
	prefix := varint.ToUvarint(uint64(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadDelimited reads one varint-length-prefixed message from r.
func ReadDelimited(r *bufio.Reader) ([]byte, error) {
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

var (
	errUnknownField   = newWireErr("unknown field in bitswap message")
	errMissingPayload = newWireErr("payload block missing data field")
	errMissingPrefix  = newWireErr("payload block missing cid prefix field")
)

type wireErr struct{ msg string }

func newWireErr(msg string) error { return &wireErr{msg} }
func (e *wireErr) Error() string  { return e.msg }

// sessionID returns a fresh random UUID string. Get does not call it; no
// session identifier is attached to in-flight requests.
func sessionID() string { return uuid.NewString() }
