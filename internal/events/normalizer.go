package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harborfi/ledgerd/internal/ledger"
	"github.com/harborfi/ledgerd/internal/logger"
	"github.com/harborfi/ledgerd/internal/types"
	"github.com/harborfi/ledgerd/internal/utils"
)

// ErrUnknownEvent marks event names the normalizer has no mapping for. Unknown
// events are dropped with a warning, never raised to the caller pipeline.
var ErrUnknownEvent = errors.New("unknown event name")

// Raw event names emitted by the vault and referral contracts.
const (
	rawDeposited          = "Deposited"
	rawWithdrawn          = "Withdrawn"
	rawHarvested          = "Harvested"
	rawReferralRegistered = "ReferralRegistered"
	rawTierChanged        = "TierChanged"
)

// Normalizer converts raw chain logs into canonical DomainEvents. The vault
// address map and asset precision come in at construction so the normalizer
// carries no ambient contract configuration.
type Normalizer struct {
	vaultTypes    map[string]types.VaultType
	assetDecimals int32
	logger        zerolog.Logger
}

// NewNormalizer creates a normalizer for the given vault address -> tier map
// and the asset token precision (6 for USDC-style assets).
func NewNormalizer(vaultTypes map[string]types.VaultType, assetDecimals int32) (*Normalizer, error) {
	if len(vaultTypes) == 0 {
		return nil, errors.New("vault type map cannot be empty")
	}
	if assetDecimals < 0 || assetDecimals > 18 {
		return nil, fmt.Errorf("asset decimals out of range: %d", assetDecimals)
	}
	normalized := make(map[string]types.VaultType, len(vaultTypes))
	for addr, vt := range vaultTypes {
		normalized[types.NormalizeAddress(addr)] = vt
	}
	return &Normalizer{
		vaultTypes:    normalized,
		assetDecimals: assetDecimals,
		logger:        logger.GetForComponent("event_normalizer"),
	}, nil
}

// Normalize converts a raw log into a DomainEvent. It is pure and total for
// all known event shapes; unknown event names return ErrUnknownEvent and
// malformed known events return ErrMalformedEvent. It never panics on any
// args payload.
func (n *Normalizer) Normalize(raw types.RawEvent) (types.DomainEvent, error) {
	if raw.TxHash == "" {
		return types.DomainEvent{}, fmt.Errorf("%w: missing tx hash", ledger.ErrMalformedEvent)
	}
	if raw.BlockTimestamp.IsZero() {
		return types.DomainEvent{}, fmt.Errorf("%w: missing block timestamp", ledger.ErrMalformedEvent)
	}

	base := types.DomainEvent{
		TxHash:      normalizeHash(raw.TxHash),
		LogIndex:    raw.LogIndex,
		BlockNumber: raw.BlockNumber,
		Timestamp:   raw.BlockTimestamp,
		Shares:      sdkmath.ZeroInt(),
	}

	switch raw.EventName {
	case rawDeposited:
		return n.normalizeDeposit(raw, base)
	case rawWithdrawn:
		return n.normalizeWithdraw(raw, base)
	case rawHarvested:
		return n.normalizeHarvest(raw, base)
	case rawReferralRegistered:
		return n.normalizeReferral(raw, base)
	case rawTierChanged:
		return n.normalizeTierChange(raw, base)
	default:
		n.logger.Warn().
			Str("eventName", raw.EventName).
			Str("contract", raw.ContractAddress).
			Str("txHash", raw.TxHash).
			Msg("Dropping unknown event")
		return types.DomainEvent{}, fmt.Errorf("%w: %s", ErrUnknownEvent, raw.EventName)
	}
}

func (n *Normalizer) normalizeDeposit(raw types.RawEvent, base types.DomainEvent) (types.DomainEvent, error) {
	vault, vaultType, err := n.resolveVault(raw.ContractAddress)
	if err != nil {
		return types.DomainEvent{}, err
	}
	user, err := argAddress(raw.Args, "user")
	if err != nil {
		return types.DomainEvent{}, err
	}
	assets, err := argBigInt(raw.Args, "assets")
	if err != nil {
		return types.DomainEvent{}, err
	}
	shares, err := argBigInt(raw.Args, "shares")
	if err != nil {
		return types.DomainEvent{}, err
	}

	base.Kind = types.EventDeposit
	base.User = user
	base.VaultAddress = vault
	base.VaultType = vaultType
	base.Assets = n.scale(assets)
	base.ShareUnits = n.scale(shares)
	base.Shares = sdkmath.NewIntFromBigInt(shares)
	return base, nil
}

func (n *Normalizer) normalizeWithdraw(raw types.RawEvent, base types.DomainEvent) (types.DomainEvent, error) {
	vault, vaultType, err := n.resolveVault(raw.ContractAddress)
	if err != nil {
		return types.DomainEvent{}, err
	}
	user, err := argAddress(raw.Args, "user")
	if err != nil {
		return types.DomainEvent{}, err
	}
	assets, err := argBigInt(raw.Args, "assets")
	if err != nil {
		return types.DomainEvent{}, err
	}
	shares, err := argBigInt(raw.Args, "shares")
	if err != nil {
		return types.DomainEvent{}, err
	}

	base.Kind = types.EventWithdraw
	base.User = user
	base.VaultAddress = vault
	base.VaultType = vaultType
	base.Assets = n.scale(assets)
	base.ShareUnits = n.scale(shares)
	base.Shares = sdkmath.NewIntFromBigInt(shares)
	return base, nil
}

func (n *Normalizer) normalizeHarvest(raw types.RawEvent, base types.DomainEvent) (types.DomainEvent, error) {
	vault, vaultType, err := n.resolveVault(raw.ContractAddress)
	if err != nil {
		return types.DomainEvent{}, err
	}
	user, err := argAddress(raw.Args, "user")
	if err != nil {
		return types.DomainEvent{}, err
	}
	yield, err := argBigInt(raw.Args, "yield")
	if err != nil {
		return types.DomainEvent{}, err
	}

	base.Kind = types.EventHarvest
	base.User = user
	base.VaultAddress = vault
	base.VaultType = vaultType
	base.Assets = n.scale(yield)
	return base, nil
}

func (n *Normalizer) normalizeReferral(raw types.RawEvent, base types.DomainEvent) (types.DomainEvent, error) {
	referrer, err := argAddress(raw.Args, "referrer")
	if err != nil {
		return types.DomainEvent{}, err
	}
	referee, err := argAddress(raw.Args, "referee")
	if err != nil {
		return types.DomainEvent{}, err
	}

	base.Kind = types.EventReferralRegistered
	base.User = referee
	base.Referrer = referrer
	return base, nil
}

func (n *Normalizer) normalizeTierChange(raw types.RawEvent, base types.DomainEvent) (types.DomainEvent, error) {
	user, err := argAddress(raw.Args, "user")
	if err != nil {
		return types.DomainEvent{}, err
	}
	tierIndex, err := argBigInt(raw.Args, "newTier")
	if err != nil {
		return types.DomainEvent{}, err
	}
	if !tierIndex.IsUint64() || tierIndex.Uint64() > 255 {
		return types.DomainEvent{}, fmt.Errorf("%w: tier index out of range", ledger.ErrMalformedEvent)
	}
	tier, ok := types.ParseTier(uint8(tierIndex.Uint64()))
	if !ok {
		return types.DomainEvent{}, fmt.Errorf("%w: unknown tier index %s", ledger.ErrMalformedEvent, tierIndex)
	}

	base.Kind = types.EventTierChanged
	base.User = user
	base.NewTier = tier
	return base, nil
}

// resolveVault maps the emitting contract to its configured risk tier.
func (n *Normalizer) resolveVault(contract string) (string, types.VaultType, error) {
	vault := types.NormalizeAddress(contract)
	vaultType, ok := n.vaultTypes[vault]
	if !ok {
		return "", "", fmt.Errorf("%w: vault event from unconfigured contract %s", ledger.ErrMalformedEvent, contract)
	}
	return vault, vaultType, nil
}

// scale converts a raw token amount to asset units. argBigInt has already
// rejected nil and negative amounts.
func (n *Normalizer) scale(amount *big.Int) decimal.Decimal {
	scaled, err := utils.ScaleRawAmount(amount, n.assetDecimals)
	if err != nil {
		return decimal.Zero
	}
	return scaled
}

// argAddress extracts a checksummed or plain hex address arg, lowercased.
func argAddress(args map[string]any, name string) (string, error) {
	value, ok := args[name]
	if !ok {
		return "", fmt.Errorf("%w: missing arg %q", ledger.ErrMalformedEvent, name)
	}
	switch v := value.(type) {
	case string:
		if !common.IsHexAddress(v) {
			return "", fmt.Errorf("%w: arg %q is not a hex address", ledger.ErrMalformedEvent, name)
		}
		return strings.ToLower(common.HexToAddress(v).Hex()), nil
	case common.Address:
		return strings.ToLower(v.Hex()), nil
	default:
		return "", fmt.Errorf("%w: arg %q has unsupported type %T", ledger.ErrMalformedEvent, name, value)
	}
}

// argBigInt extracts a non-negative integer arg delivered as *big.Int, decimal
// string, or JSON number.
func argBigInt(args map[string]any, name string) (*big.Int, error) {
	value, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing arg %q", ledger.ErrMalformedEvent, name)
	}
	var parsed *big.Int
	switch v := value.(type) {
	case *big.Int:
		parsed = new(big.Int).Set(v)
	case string:
		p, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, fmt.Errorf("%w: arg %q is not a decimal integer", ledger.ErrMalformedEvent, name)
		}
		parsed = p
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("%w: arg %q is not an integer", ledger.ErrMalformedEvent, name)
		}
		parsed = big.NewInt(int64(v))
	case int64:
		parsed = big.NewInt(v)
	case int:
		parsed = big.NewInt(int64(v))
	default:
		return nil, fmt.Errorf("%w: arg %q has unsupported type %T", ledger.ErrMalformedEvent, name, value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("%w: arg %q cannot be negative", ledger.ErrMalformedEvent, name)
	}
	return parsed, nil
}

// normalizeHash lowercases a tx hash and guarantees the 0x prefix.
func normalizeHash(hash string) string {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
