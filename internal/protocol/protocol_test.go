package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeID_Ordering(t *testing.T) {
	a := MakeNodeID("127.0.0.1", 6001)
	b := MakeNodeID("127.0.0.1", 6002)

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, "127.0.0.1:6001", a.Addr())
	assert.True(t, a.Valid())
	assert.False(t, NodeID("garbage").Valid())
}

func TestDirection_Opposite(t *testing.T) {
	assert.Equal(t, Right, Left.Opposite())
	assert.Equal(t, Left, Right.Opposite())
}

func TestCodec_RoundTrip(t *testing.T) {
	in := &Envelope{
		Tag:    TagHSElection,
		Round:  3,
		Sender: MakeNodeID("127.0.0.1", 6002),
		Payload: HSElection{
			Origin:    MakeNodeID("127.0.0.1", 6003),
			Direction: Left,
			Hops:      4,
			Phase:     2,
		},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Tag, out.Tag)
	assert.Equal(t, in.Round, out.Round)
	assert.Equal(t, in.Sender, out.Sender)

	// After JSON the payload is a generic map; the typed decode
	// restores it, converting the float64 numerics back.
	var p HSElection
	require.NoError(t, DecodePayload(out, &p))
	assert.Equal(t, MakeNodeID("127.0.0.1", 6003), p.Origin)
	assert.Equal(t, Left, p.Direction)
	assert.Equal(t, uint64(4), p.Hops)
	assert.Equal(t, uint32(2), p.Phase)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyDatagram)

	_, err = Decode([]byte(`{"round":1}`))
	assert.ErrorIs(t, err, ErrMissingTag)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestOpCodec_RoundTrip(t *testing.T) {
	type ballot struct {
		VoteID string `json:"vote_id"`
		Option int    `json:"option"`
	}

	m, err := EncodeOp(ballot{VoteID: "v1", Option: 2})
	require.NoError(t, err)
	assert.Equal(t, "v1", m["vote_id"])

	var out ballot
	require.NoError(t, DecodeOp(m, &out))
	assert.Equal(t, ballot{VoteID: "v1", Option: 2}, out)
}
