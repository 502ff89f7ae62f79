package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const testVault = "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497"

type rpcCall struct {
	Method string
	To     string
	Input  []byte
}

// newVaultRPC answers eth_call with amountOut and records every call it saw.
func newVaultRPC(t *testing.T, amountOut *big.Int) (*httptest.Server, func() []rpcCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []rpcCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析 JSON-RPC 请求失败: %v", err)
			return
		}
		call := rpcCall{Method: req.Method}
		if len(req.Params) > 0 {
			var msg map[string]any
			if err := json.Unmarshal(req.Params[0], &msg); err == nil {
				call.To, _ = msg["to"].(string)
				input, _ := msg["input"].(string)
				if input == "" {
					input, _ = msg["data"].(string)
				}
				call.Input, _ = hexutil.Decode(input)
			}
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  hexutil.Encode(common.LeftPadBytes(amountOut.Bytes(), 32)),
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []rpcCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]rpcCall(nil), calls...)
	}
}

func TestERC4626ConvertToAssets(t *testing.T) {
	out, _ := new(big.Int).SetString("1200000000000000000", 10)
	srv, calls := newVaultRPC(t, out)

	src := NewERC4626(Descriptor{
		Name:     "susde_rate",
		RPCURL:   srv.URL,
		Contract: testVault,
		Method:   VaultConvertToAssets,
	}, noopLogger())

	sample, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取金库汇率失败: %v", err)
	}
	if !sample.Value.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("汇率不符: %s", sample.Value)
	}
	if sample.SourceID != "susde_rate" || sample.ObservedAt.IsZero() {
		t.Fatalf("样本元数据缺失: %+v", sample)
	}

	got := calls()
	if len(got) != 1 || got[0].Method != "eth_call" {
		t.Fatalf("应只发出一次 eth_call, 实际 %+v", got)
	}
	if !strings.EqualFold(got[0].To, testVault) {
		t.Fatalf("调用地址不符: %s", got[0].To)
	}
	want, err := vaultABI.Pack(VaultConvertToAssets, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[0].Input, want) {
		t.Fatalf("calldata 不符: %x", got[0].Input)
	}
}

func TestERC4626PreviewDepositNormalisesNotional(t *testing.T) {
	// 1000 assets at 6 decimals deposit into 950 shares.
	srv, calls := newVaultRPC(t, big.NewInt(950_000_000))

	src := NewERC4626(Descriptor{
		Name:     "vault",
		RPCURL:   srv.URL,
		Contract: testVault,
		Decimals: 6,
		Notional: decimal.NewFromInt(1000),
	}, noopLogger())

	sample, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取金库汇率失败: %v", err)
	}
	if !sample.Value.Equal(decimal.RequireFromString("0.95")) {
		t.Fatalf("每单位份额应为 0.95, 实际 %s", sample.Value)
	}

	want, err := vaultABI.Pack(VaultPreviewDeposit, big.NewInt(1_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if got := calls(); len(got) != 1 || !bytes.Equal(got[0].Input, want) {
		t.Fatalf("previewDeposit calldata 不符: %+v", got)
	}
}

func TestERC4626ZeroIsNoQuote(t *testing.T) {
	srv, _ := newVaultRPC(t, big.NewInt(0))

	src := NewERC4626(Descriptor{Name: "vault", RPCURL: srv.URL, Contract: testVault}, noopLogger())
	_, err := src.Fetch(context.Background())
	if !errors.Is(err, ErrNoQuote) {
		t.Fatalf("零份额应返回 ErrNoQuote, 实际 %v", err)
	}
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Source != "vault" {
		t.Fatalf("应包装为 ExtractionError, 实际 %v", err)
	}
}

func TestERC4626MissingConfig(t *testing.T) {
	src := NewERC4626(Descriptor{Name: "vault"}, noopLogger())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	src = NewERC4626(Descriptor{Name: "vault", RPCURL: "http://localhost", Contract: "not-an-address"}, noopLogger())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("非法合约地址应报错")
	}

	src = NewERC4626(Descriptor{Name: "vault", RPCURL: "http://localhost", Contract: testVault, Method: "totalAssets"}, noopLogger())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("不支持的方法应报错")
	}
}

func TestNewBuildsVaultSource(t *testing.T) {
	src, err := New(Descriptor{Name: "vault", Kind: KindERC4626}, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*ERC4626); !ok {
		t.Fatalf("kind erc4626 应构造 ERC4626, 实际 %T", src)
	}
}
