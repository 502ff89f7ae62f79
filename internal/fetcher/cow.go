package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	defaultCowBase = "https://api.cow.fi/mainnet/api/v1"
)

var dec1e18 = decimal.NewFromInt(1_000_000_000_000_000_000)

// Cow quotes a fixed notional on CoW Protocol and reports buy/sell as the price.
type Cow struct {
	boardClient
}

// NewCow constructs a CoW Protocol quote source.
func NewCow(desc Descriptor, logger zerolog.Logger) *Cow {
	return &Cow{boardClient: newBoardClient(desc, defaultCowBase, "cow_source", logger)}
}

// Name returns the configured source name.
func (c *Cow) Name() string { return c.desc.Name }

// Fetch requests a sell-side quote for the configured notional.
func (c *Cow) Fetch(ctx context.Context) (Sample, error) {
	ctx, cancel := withTimeout(ctx, c.desc.Timeout)
	defer cancel()

	sample, err := c.fetch(ctx)
	return sample, extractionErr(c.desc.Name, err)
}

func (c *Cow) fetch(ctx context.Context) (Sample, error) {
	if !c.desc.Notional.IsPositive() {
		return Sample{}, errors.New("notional must be greater than zero")
	}
	if c.desc.SellToken == "" || c.desc.BuyToken == "" {
		return Sample{}, errors.New("sell_token and buy_token addresses required")
	}

	sellAtoms := c.desc.Notional.Mul(dec1e18).Round(0)
	if sellAtoms.IsZero() {
		return Sample{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           c.desc.SellToken,
		BuyToken:            c.desc.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"spreadwatch","metadata":{}}`,
		PriceQuality:        c.desc.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	raw, err := c.postJSON(ctx, cowQuotePath, reqPayload)
	if err != nil {
		return Sample{}, parseCowError(err)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(raw, &quoteRes); err != nil {
		return Sample{}, fmt.Errorf("decode cow quote: %w", err)
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Sample{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return Sample{}, fmt.Errorf("buy amount returned zero: %w", ErrNoQuote)
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = c.desc.PriceQuality
	}
	c.logger.Debug().Str("quality", quality).Msg("cow quote received")

	return Sample{
		SourceID:   c.desc.Name,
		Value:      buyAtoms.Div(sellAtoms),
		ObservedAt: time.Now().UTC(),
	}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type cowErrorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

// parseCowError surfaces the API's description when the body carries one.
func parseCowError(err error) error {
	msg := err.Error()
	idx := strings.Index(msg, "{")
	if idx < 0 {
		return err
	}
	var apiErr cowErrorResponse
	if jsonErr := json.Unmarshal([]byte(msg[idx:]), &apiErr); jsonErr != nil {
		return err
	}
	switch {
	case apiErr.Description != "":
		return fmt.Errorf("cow api error: %s", apiErr.Description)
	case apiErr.ErrorType != "":
		return fmt.Errorf("cow api error: %s", apiErr.ErrorType)
	}
	return err
}

var _ Source = (*Cow)(nil)
