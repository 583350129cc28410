package namesys

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Record{
		Value:        "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		ValidityType: ValidityEOL,
		Validity:     time.Now().Add(time.Hour).Truncate(time.Second),
		Sequence:     1,
		TTL:          time.Minute,
	}
	Sign(&r, priv)
	assert.Equal(t, pub, r.PubKey)

	assert.NoError(t, Verify(r))
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Record{
		Value:        "/ipfs/original",
		ValidityType: ValidityEOL,
		Validity:     time.Now().Add(time.Hour).Truncate(time.Second),
		Sequence:     1,
	}
	Sign(&r, priv)

	r.Value = "/ipfs/tampered"
	assert.Error(t, Verify(r))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Record{
		Value:        "/ipns/someothername",
		ValidityType: ValidityEOL,
		Validity:     time.Now().Add(48 * time.Hour).Truncate(time.Second),
		Sequence:     42,
		TTL:          5 * time.Minute,
	}
	Sign(&r, priv)

	data := r.Marshal()
	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, r.Value, got.Value)
	assert.Equal(t, r.Sequence, got.Sequence)
	assert.True(t, r.Validity.Equal(got.Validity))
	assert.Equal(t, r.TTL, got.TTL)
	assert.NoError(t, Verify(got))
}
