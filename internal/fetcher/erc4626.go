package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Vault view methods a source may quote through.
const (
	// VaultPreviewDeposit quotes shares received per deposited asset.
	VaultPreviewDeposit = "previewDeposit"
	// VaultConvertToAssets quotes assets backing one share.
	VaultConvertToAssets = "convertToAssets"

	defaultVaultDecimals = 18
)

const vaultABIJSON = `[
 {"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"previewDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var vaultABI = mustParseABI(vaultABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("vault abi: " + err.Error())
	}
	return parsed
}

// ERC4626 quotes an on-chain vault rate, typically the reference leg of a
// pairing whose other leg is a P2P book.
type ERC4626 struct {
	desc     Descriptor
	method   string
	decimals int32
	notional decimal.Decimal
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	client *ethclient.Client
}

// NewERC4626 builds a vault source. The RPC endpoint is dialled on first use.
func NewERC4626(desc Descriptor, logger zerolog.Logger) *ERC4626 {
	method := desc.Method
	if method == "" {
		method = VaultPreviewDeposit
	}
	decimals := desc.Decimals
	if decimals <= 0 {
		decimals = defaultVaultDecimals
	}
	notional := desc.Notional
	if !notional.IsPositive() {
		notional = decimal.NewFromInt(1)
	}
	return &ERC4626{
		desc:     desc,
		method:   method,
		decimals: decimals,
		notional: notional,
		logger:   logger.With().Str("component", "vault_source").Str("source", desc.Name).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the configured source name.
func (v *ERC4626) Name() string { return v.desc.Name }

// Fetch quotes the vault at the configured notional and normalises the
// answer to one unit.
func (v *ERC4626) Fetch(ctx context.Context) (Sample, error) {
	ctx, cancel := withTimeout(ctx, v.desc.Timeout)
	defer cancel()

	sample, err := v.quote(ctx)
	return sample, extractionErr(v.desc.Name, err)
}

func (v *ERC4626) quote(ctx context.Context) (Sample, error) {
	if v.desc.RPCURL == "" {
		return Sample{}, errors.New("rpc url not configured")
	}
	if !common.IsHexAddress(v.desc.Contract) {
		return Sample{}, fmt.Errorf("invalid vault address %q", v.desc.Contract)
	}
	if _, ok := vaultABI.Methods[v.method]; !ok {
		return Sample{}, fmt.Errorf("unsupported vault method %q", v.method)
	}

	amountIn := v.notional.Shift(v.decimals).Truncate(0).BigInt()
	data, err := vaultABI.Pack(v.method, amountIn)
	if err != nil {
		return Sample{}, err
	}

	client, err := v.dial(ctx)
	if err != nil {
		return Sample{}, err
	}
	to := common.HexToAddress(v.desc.Contract)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("%s call: %w", v.method, err)
	}

	amountOut, err := unpackUint(v.method, raw)
	if err != nil {
		return Sample{}, err
	}
	if amountOut.Sign() <= 0 {
		return Sample{}, ErrNoQuote
	}

	rate := decimal.NewFromBigInt(amountOut, -v.decimals).DivRound(v.notional, 18)
	v.logger.Debug().Str("method", v.method).Str("rate", rate.String()).Msg("vault quoted")

	return Sample{SourceID: v.desc.Name, Value: rate, ObservedAt: v.now()}, nil
}

func unpackUint(method string, raw []byte) (*big.Int, error) {
	outputs, err := vaultABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("decode %s: %d outputs", method, len(outputs))
	}
	n, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected %T", method, outputs[0])
	}
	return n, nil
}

func (v *ERC4626) dial(ctx context.Context) (*ethclient.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.client != nil {
		return v.client, nil
	}
	client, err := ethclient.DialContext(ctx, v.desc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	v.client = client
	return client, nil
}

var _ Source = (*ERC4626)(nil)
