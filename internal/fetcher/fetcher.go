package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Supported source kinds.
const (
	KindBinanceP2P = "binance_p2p"
	KindBybitOTC   = "bybit_otc"
	KindCowQuote   = "cow_quote"
	KindERC4626    = "erc4626"
	KindStatic     = "static"
)

// ErrNoQuote signals that a source answered but carried no usable price.
var ErrNoQuote = errors.New("no usable quote")

// Sample is one extracted price from a source.
type Sample struct {
	SourceID   string
	Value      decimal.Decimal
	Advertiser string
	ObservedAt time.Time
}

// Descriptor describes how to reach a single rate source.
type Descriptor struct {
	Name      string
	Kind      string
	BaseURL   string
	Asset     string
	Fiat      string
	TradeType string
	PayTypes  []string
	Rows      int
	UserAgent string
	Timeout   time.Duration

	// Advertisers is an allow-list for venues that list competing adverts.
	Advertisers []string

	// cow_quote / erc4626
	RPCURL       string
	Contract     string
	Method       string
	Decimals     int32
	SellToken    string
	BuyToken     string
	Notional     decimal.Decimal
	PriceQuality string

	// static
	Value decimal.Decimal
}

// Source fetches fresh samples for one descriptor.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Sample, error)
}

// ExtractionError wraps any failure to obtain a sample from a source.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func extractionErr(source string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExtractionError{Source: source, Err: err}
}

// New builds the Source matching desc.Kind.
func New(desc Descriptor, logger zerolog.Logger) (Source, error) {
	switch desc.Kind {
	case KindBinanceP2P:
		return NewBinance(desc, logger), nil
	case KindBybitOTC:
		return NewBybit(desc, logger), nil
	case KindCowQuote:
		return NewCow(desc, logger), nil
	case KindERC4626:
		return NewERC4626(desc, logger), nil
	case KindStatic:
		return NewStatic(desc.Name, desc.Value), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", desc.Kind)
	}
}

// withTimeout bounds a single fetch; a stalled source surfaces as an extraction failure.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// parsePrice strips thousands separators and a trailing currency code before parsing.
func parsePrice(text, fiat string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(text)
	if fiat != "" {
		cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, strings.ToUpper(fiat)))
	}
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price text: %w", ErrNoQuote)
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", text, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price %s: %w", price.String(), ErrNoQuote)
	}
	return price, nil
}

// advert is a single competing quote on a P2P/OTC board.
type advert struct {
	Advertiser string
	Price      string
}

// pickAdvert returns the first advert whose advertiser passes the allow-list.
func pickAdvert(adverts []advert, allow []string, logger zerolog.Logger) (advert, error) {
	for _, ad := range adverts {
		if len(allow) > 0 && !allowed(ad.Advertiser, allow) {
			logger.Debug().Str("advertiser", ad.Advertiser).Msg("advertiser not in allow-list, skipping")
			continue
		}
		return ad, nil
	}
	return advert{}, fmt.Errorf("no advert matched (%d candidates): %w", len(adverts), ErrNoQuote)
}

func allowed(name string, allow []string) bool {
	name = strings.TrimSpace(name)
	for _, candidate := range allow {
		if strings.TrimSpace(candidate) == name {
			return true
		}
	}
	return false
}
