package garlic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"i2p-router/netdb"
)

func TestEncodeParseBlocksRoundTrip(t *testing.T) {
	raw := append(EncodeDateTime(12345), append(EncodeAckRequest(), EncodePadding(4)...)...)
	blocks, err := ParseBlocks(raw)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, BlockDateTime, blocks[0].Type)
	require.Equal(t, BlockAckRequest, blocks[1].Type)
	require.Equal(t, BlockPadding, blocks[2].Type)
	require.Len(t, blocks[2].Body, 4)
}

func TestEncodeDecodeCloveTunnelDelivery(t *testing.T) {
	dest := netdb.Hash{9, 9, 9}
	clove := Clove{Delivery: DeliveryTunnel, Destination: dest, TunnelID: 42, MessageID: 7, Message: []byte("hello")}

	block := EncodeClove(clove)
	blocks, err := ParseBlocks(block)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, BlockGarlicClove, blocks[0].Type)

	got, err := DecodeClove(blocks[0].Body)
	require.NoError(t, err)
	require.Equal(t, DeliveryTunnel, got.Delivery)
	require.EqualValues(t, 42, got.TunnelID)
	require.EqualValues(t, 7, got.MessageID)
	require.Equal(t, dest, got.Destination)
	require.Equal(t, clove.Message, got.Message)
}

func TestEncodeDecodeNextKeyBlock(t *testing.T) {
	nk := NextKeyBlock{Flags: NextKeyPresent | NextKeyRequestReverse, KeyID: 3, PubKey: [32]byte{1, 2, 3}}
	raw := EncodeNextKey(nk)
	blocks, err := ParseBlocks(raw)
	require.NoError(t, err)

	got, err := DecodeNextKey(blocks[0].Body)
	require.NoError(t, err)
	require.Equal(t, nk, got)
}

func TestDecodeCloveLocalDeliveryHasNoDestination(t *testing.T) {
	clove := Clove{Delivery: DeliveryLocal, MessageID: 1, Message: []byte("x")}
	block := EncodeClove(clove)
	blocks, err := ParseBlocks(block)
	require.NoError(t, err)

	got, err := DecodeClove(blocks[0].Body)
	require.NoError(t, err)
	require.Equal(t, DeliveryLocal, got.Delivery)
	require.Equal(t, netdb.Hash{}, got.Destination)
}
