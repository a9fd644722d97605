package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/utils"
)

// Error definitions
var (
	ErrRPCCallFailed   = errors.New("rpc call failed")
	ErrMalformedResult = errors.New("rpc returned malformed result")
)

// Reader reads vault and strategy state from the chain. All reads are
// eth_call against the latest block; the reader never sends transactions.
type Reader interface {
	// ShareBalance returns a user's raw share balance in a vault.
	ShareBalance(ctx context.Context, vault, user string) (sdkmath.Int, error)
	// ConvertToAssets values a share amount in the vault's underlying asset.
	ConvertToAssets(ctx context.Context, vault string, shares sdkmath.Int) (decimal.Decimal, error)
	// StrategyAssets returns the total assets held by a strategy contract.
	StrategyAssets(ctx context.Context, strategy string) (decimal.Decimal, error)
}

// 4-byte selectors for the ERC-4626 surface the reader touches.
var (
	selBalanceOf       = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selConvertToAssets = crypto.Keccak256([]byte("convertToAssets(uint256)"))[:4]
	selTotalAssets     = crypto.Keccak256([]byte("totalAssets()"))[:4]
)

// RPCReader implements Reader over plain JSON-RPC with retrying HTTP.
type RPCReader struct {
	endpoint      string
	assetDecimals int32
	client        *retryablehttp.Client
	logger        zerolog.Logger
}

// NewRPCReader creates a reader for the given JSON-RPC endpoint.
// assetDecimals scales raw uint256 asset amounts into decimal values.
func NewRPCReader(endpoint string, assetDecimals int32) (*RPCReader, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("rpc endpoint cannot be empty")
	}
	if assetDecimals < 0 || assetDecimals > 30 {
		return nil, fmt.Errorf("asset decimals %d out of range", assetDecimals)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &RPCReader{
		endpoint:      endpoint,
		assetDecimals: assetDecimals,
		client:        client,
		logger:        logger.GetForComponent("chain_reader"),
	}, nil
}

func (r *RPCReader) ShareBalance(ctx context.Context, vault, user string) (sdkmath.Int, error) {
	if !common.IsHexAddress(vault) || !common.IsHexAddress(user) {
		return sdkmath.Int{}, fmt.Errorf("%w: invalid address", ErrRPCCallFailed)
	}
	data := encodeCall(selBalanceOf, common.BytesToHash(common.HexToAddress(user).Bytes()).Bytes())
	raw, err := r.ethCall(ctx, vault, data)
	if err != nil {
		return sdkmath.Int{}, err
	}
	value, err := decodeUint256(raw)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return sdkmath.NewIntFromBigInt(value), nil
}

func (r *RPCReader) ConvertToAssets(ctx context.Context, vault string, shares sdkmath.Int) (decimal.Decimal, error) {
	if !common.IsHexAddress(vault) {
		return decimal.Zero, fmt.Errorf("%w: invalid vault address", ErrRPCCallFailed)
	}
	if shares.IsNil() || shares.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: invalid share amount", ErrRPCCallFailed)
	}
	data := encodeCall(selConvertToAssets, common.BigToHash(shares.BigInt()).Bytes())
	raw, err := r.ethCall(ctx, vault, data)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := decodeUint256(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return utils.ScaleRawAmount(value, r.assetDecimals)
}

func (r *RPCReader) StrategyAssets(ctx context.Context, strategy string) (decimal.Decimal, error) {
	if !common.IsHexAddress(strategy) {
		return decimal.Zero, fmt.Errorf("%w: invalid strategy address", ErrRPCCallFailed)
	}
	raw, err := r.ethCall(ctx, strategy, selTotalAssets)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := decodeUint256(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return utils.ScaleRawAmount(value, r.assetDecimals)
}

// encodeCall concatenates a 4-byte selector with 32-byte-padded arguments.
func encodeCall(selector []byte, args ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(args))
	data = append(data, selector...)
	for _, arg := range args {
		data = append(data, arg...)
	}
	return data
}

// decodeUint256 parses a single 0x-hex uint256 return value.
func decodeUint256(raw string) (*big.Int, error) {
	decoded, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrMalformedResult, len(decoded))
	}
	return new(big.Int).SetBytes(decoded), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ethCall performs a read-only eth_call against the latest block.
func (r *RPCReader) ethCall(ctx context.Context, to string, data []byte) (string, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params: []any{
			map[string]string{
				"to":   common.HexToAddress(to).Hex(),
				"data": hexutil.Encode(data),
			},
			"latest",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode rpc request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCCallFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCCallFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("%w: status %d", ErrRPCCallFailed, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("%w: %s (code %d)", ErrRPCCallFailed, decoded.Error.Message, decoded.Error.Code)
	}
	if decoded.Result == "" {
		return "", fmt.Errorf("%w: empty result", ErrMalformedResult)
	}
	return decoded.Result, nil
}
