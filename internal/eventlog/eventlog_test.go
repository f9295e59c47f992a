package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyChainAcceptsValidSequence(t *testing.T) {
	rows := []Row{
		{Seq: 1, PayloadCanonical: `{"a":1}`, PrevHash: genesisHash},
	}
	rows[0].Hash = chainHash(1, genesisHash, []byte(rows[0].PayloadCanonical))

	rows = append(rows, Row{
		Seq:              2,
		PayloadCanonical: `{"a":2}`,
		PrevHash:         rows[0].Hash,
	})
	rows[1].Hash = chainHash(2, rows[0].Hash, []byte(rows[1].PayloadCanonical))

	ok, broken := VerifyChain(rows)
	require.True(t, ok)
	require.Zero(t, broken)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	rows := []Row{
		{Seq: 1, PayloadCanonical: `{"a":1}`, PrevHash: genesisHash},
	}
	rows[0].Hash = chainHash(1, genesisHash, []byte(rows[0].PayloadCanonical))
	rows[0].PayloadCanonical = `{"a":999}` // tampered after the hash was computed

	ok, broken := VerifyChain(rows)
	require.False(t, ok)
	require.Equal(t, int64(1), broken)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	rows := []Row{
		{Seq: 1, PayloadCanonical: `{"a":1}`, PrevHash: genesisHash},
		{Seq: 2, PayloadCanonical: `{"a":2}`, PrevHash: []byte("not-the-real-prev-hash-------32")},
	}
	rows[0].Hash = chainHash(1, genesisHash, []byte(rows[0].PayloadCanonical))
	rows[1].Hash = chainHash(2, rows[0].Hash, []byte(rows[1].PayloadCanonical))

	ok, broken := VerifyChain(rows)
	require.False(t, ok)
	require.Equal(t, int64(2), broken)
}
