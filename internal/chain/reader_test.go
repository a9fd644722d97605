package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVault    = "0x2222222222222222222222222222222222222222"
	testUser     = "0x1111111111111111111111111111111111111111"
	testStrategy = "0x3333333333333333333333333333333333333333"
)

// rpcStub answers every eth_call with a fixed uint256 and records the request.
func rpcStub(t *testing.T, result string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var calls []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, req)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  result,
		})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func uint256Hex(v int64) string {
	return hexutil.Encode(common32(v))
}

func common32(v int64) []byte {
	out := make([]byte, 32)
	for i := 31; v > 0 && i >= 0; i-- {
		out[i] = byte(v & 0xff)
		v >>= 8
	}
	return out
}

func TestShareBalance(t *testing.T) {
	server, calls := rpcStub(t, uint256Hex(750_000_000))
	reader, err := NewRPCReader(server.URL, 6)
	require.NoError(t, err)

	balance, err := reader.ShareBalance(context.Background(), testVault, testUser)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(750_000_000)))

	require.Len(t, *calls, 1)
	assert.Equal(t, "eth_call", (*calls)[0]["method"])
}

func TestConvertToAssetsScales(t *testing.T) {
	server, _ := rpcStub(t, uint256Hex(1_500_000))
	reader, err := NewRPCReader(server.URL, 6)
	require.NoError(t, err)

	assets, err := reader.ConvertToAssets(context.Background(), testVault, sdkmath.NewInt(1))
	require.NoError(t, err)
	assert.True(t, assets.Equal(decimal.NewFromFloat(1.5)))
}

func TestStrategyAssets(t *testing.T) {
	server, _ := rpcStub(t, uint256Hex(42_000_000))
	reader, err := NewRPCReader(server.URL, 6)
	require.NoError(t, err)

	assets, err := reader.StrategyAssets(context.Background(), testStrategy)
	require.NoError(t, err)
	assert.True(t, assets.Equal(decimal.NewFromInt(42)))
}

func TestRPCErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "execution reverted"},
		})
	}))
	t.Cleanup(server.Close)

	reader, err := NewRPCReader(server.URL, 6)
	require.NoError(t, err)

	_, err = reader.StrategyAssets(context.Background(), testStrategy)
	assert.ErrorIs(t, err, ErrRPCCallFailed)
}

func TestMalformedResultRejected(t *testing.T) {
	server, _ := rpcStub(t, "0x1234")
	reader, err := NewRPCReader(server.URL, 6)
	require.NoError(t, err)

	_, err = reader.StrategyAssets(context.Background(), testStrategy)
	assert.ErrorIs(t, err, ErrMalformedResult)
}

func TestInvalidAddressRejected(t *testing.T) {
	reader, err := NewRPCReader("http://localhost:1", 6)
	require.NoError(t, err)

	_, err = reader.ShareBalance(context.Background(), "not-an-address", testUser)
	assert.ErrorIs(t, err, ErrRPCCallFailed)

	_, err = reader.StrategyAssets(context.Background(), "")
	assert.ErrorIs(t, err, ErrRPCCallFailed)
}

func TestStaticReaderDefaults(t *testing.T) {
	reader := NewStaticReader()
	ctx := context.Background()

	balance, err := reader.ShareBalance(ctx, testVault, testUser)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	assets, err := reader.StrategyAssets(ctx, testStrategy)
	require.NoError(t, err)
	assert.True(t, assets.IsZero())
}

func TestStaticReaderConvertUsesPrice(t *testing.T) {
	reader := NewStaticReader()
	reader.SetAssetsPerShare(testVault, decimal.NewFromFloat(1.1))

	assets, err := reader.ConvertToAssets(context.Background(), testVault, sdkmath.NewInt(100))
	require.NoError(t, err)
	assert.True(t, assets.Equal(decimal.NewFromInt(110)))
}
