package wire

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshal_Golden(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "pair", Marshal(SubMessage{IDs: []int32{1, 2}, Subs: []int32{10, 20}}))
}

func TestUnmarshal_Packed(t *testing.T) {
	m, err := Unmarshal([]byte{0x0a, 0x02, 0x01, 0x02, 0x12, 0x02, 0x0a, 0x14})
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, m.IDs)
	require.Equal(t, []int32{10, 20}, m.Subs)
	require.Equal(t, 2, m.Len())
}

func TestUnmarshal_UnpackedAndUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldIDs, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	// Unknown field 3 between the pairs must be skipped.
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, fieldSubs, protowire.VarintType)
	b = protowire.AppendVarint(b, 70)
	b = protowire.AppendTag(b, fieldIDs, protowire.VarintType)
	b = protowire.AppendVarint(b, 8)
	b = protowire.AppendTag(b, fieldSubs, protowire.VarintType)
	b = protowire.AppendVarint(b, 80)

	m, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, []int32{7, 8}, m.IDs)
	require.Equal(t, []int32{70, 80}, m.Subs)
}

func TestRoundTrip_NegativeDeltas(t *testing.T) {
	in := SubMessage{IDs: []int32{42, -1}, Subs: []int32{-5, -2147483648}}

	out, err := Unmarshal(Marshal(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestUnmarshal_Empty(t *testing.T) {
	m, err := Unmarshal(nil)
	require.NoError(t, err)
	require.Zero(t, m.Len())
}

func TestUnmarshal_Errors(t *testing.T) {
	pair := Marshal(SubMessage{IDs: []int32{1, 2}, Subs: []int32{10, 20}})

	tt := []struct {
		name string
		buf  []byte
	}{
		{"truncated", pair[:len(pair)-1]},
		{"garbage", []byte{0xff}},
		{"ids only", Marshal(SubMessage{IDs: []int32{1}})},
		{"fixed32 ids", protowire.AppendFixed32(protowire.AppendTag(nil, fieldIDs, protowire.Fixed32Type), 1)},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.buf)
			require.Error(t, err)
		})
	}

	_, err := Unmarshal(Marshal(SubMessage{IDs: []int32{1, 2}, Subs: []int32{3}}))
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestUnmarshal_WrongWireTypeNamesField(t *testing.T) {
	buf := protowire.AppendFixed32(protowire.AppendTag(nil, fieldSubs, protowire.Fixed32Type), 1)

	_, err := Unmarshal(buf)
	require.EqualError(t, err, "field 2: unexpected wire type 5")
}
