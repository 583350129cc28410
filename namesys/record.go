// Package namesys implements IPNS-style mutable name records: signed,
// sequence-numbered pointers published under a peer's own identity and
// resolved (optionally through a chain of further IPNS names) to a target
// path. DNSLink names are not resolved.
package namesys

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"ipfscore/corerrors"
)

// Record is an IPNS entry: a value (typically "/ipfs/<cid>" or another
// "/ipns/<name>"), a monotonic sequence number, a validity deadline, and a
// signature over the rest of the fields, in the field layout of kubo's
// ipns.pb.IpnsEntry (value=1, signatureV1=2, validityType=3, validity=4,
// sequence=5, ttl=6, pubKey=7, signatureV2=8, data=9 — only the fields this
// node actually produces/consumes are implemented; legacy signatureV1 is
// skipped on read and never written).
type Record struct {
	Value        string
	SignatureV2  []byte
	ValidityType ValidityType
	Validity     time.Time
	Sequence     uint64
	TTL          time.Duration
	PubKey       ed25519.PublicKey
}

type ValidityType int

const (
	ValidityEOL ValidityType = 0 // the only type this node produces: an absolute expiry
)

const (
	fieldValue        = protowire.Number(1)
	fieldSignatureV1  = protowire.Number(2)
	fieldValidityType = protowire.Number(3)
	fieldValidity     = protowire.Number(4)
	fieldSequence     = protowire.Number(5)
	fieldTTL          = protowire.Number(6)
	fieldPubKey       = protowire.Number(7)
	fieldSignatureV2  = protowire.Number(8)
)

// signingInput reproduces the exact byte sequence the original IPNS record
// format signs: value || validity || validityType || sequence || ttl,
// concatenated with no separators (matching kubo's ipns.Validate).
func signingInput(value string, validity []byte, validityType ValidityType, sequence uint64, ttl time.Duration) []byte {
	var b []byte
	b = append(b, value...)
	b = append(b, validity...)
	b = append(b, byte(validityType))
	seqBuf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seqBuf[7-i] = byte(sequence >> (8 * i))
	}
	b = append(b, seqBuf...)
	ttlBuf := make([]byte, 8)
	ttlNanos := uint64(ttl.Nanoseconds())
	for i := 0; i < 8; i++ {
		ttlBuf[7-i] = byte(ttlNanos >> (8 * i))
	}
	b = append(b, ttlBuf...)
	return b
}

func formatValidity(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}

func parseValidity(b []byte) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, string(b))
}

// Sign populates r.SignatureV2 by signing with priv. r.PubKey is set from
// priv so Marshal embeds it for verification without a separate lookup.
func Sign(r *Record, priv ed25519.PrivateKey) {
	r.PubKey = priv.Public().(ed25519.PublicKey)
	input := signingInput(r.Value, formatValidity(r.Validity), r.ValidityType, r.Sequence, r.TTL)
	r.SignatureV2 = ed25519.Sign(priv, input)
}

// Verify checks r's signature against its embedded public key.
func Verify(r Record) error {
	if len(r.PubKey) != ed25519.PublicKeySize {
		return corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("record public key has wrong length"))
	}
	input := signingInput(r.Value, formatValidity(r.Validity), r.ValidityType, r.Sequence, r.TTL)
	if !ed25519.Verify(r.PubKey, input, r.SignatureV2) {
		return corerrors.Wrap(corerrors.ErrProtocol, fmt.Errorf("record signature does not verify"))
	}
	return nil
}

func (r Record) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.Value))

	b = protowire.AppendTag(b, fieldValidityType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ValidityType))

	b = protowire.AppendTag(b, fieldValidity, protowire.BytesType)
	b = protowire.AppendBytes(b, formatValidity(r.Validity))

	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Sequence)

	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TTL.Nanoseconds()))

	if len(r.PubKey) > 0 {
		b = protowire.AppendTag(b, fieldPubKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.PubKey)
	}

	if len(r.SignatureV2) > 0 {
		b = protowire.AppendTag(b, fieldSignatureV2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SignatureV2)
	}

	return b
}

func Unmarshal(data []byte) (Record, error) {
	var r Record
	var validityRaw []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.Value = string(v)
		case fieldValidityType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.ValidityType = ValidityType(v)
		case fieldValidity:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			validityRaw = v
		case fieldSequence:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.Sequence = v
		case fieldTTL:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.TTL = time.Duration(v)
		case fieldPubKey:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.PubKey = append(ed25519.PublicKey{}, v...)
		case fieldSignatureV2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
			r.SignatureV2 = append([]byte{}, v...)
		case fieldSignatureV1:
			// legacy field, ignored on read; never produced by Marshal.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Record{}, corerrors.Wrap(corerrors.ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if validityRaw != nil {
		t, err := parseValidity(validityRaw)
		if err != nil {
			return Record{}, corerrors.Wrap(corerrors.ErrProtocol, err)
		}
		r.Validity = t
	}

	return r, nil
}
