package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	binanceSearchPath = "/bapi/c2c/v2/friendly/c2c/adv/search"
	bybitItemsPath    = "/fiat/otc/item/online"

	defaultBinanceBase = "https://p2p.binance.com"
	defaultBybitBase   = "https://api2.bybit.com"
	defaultUserAgent   = "spreadwatch/1.0"
	defaultRows        = 10
)

// boardClient holds the HTTP plumbing shared by the advert-board sources.
type boardClient struct {
	desc    Descriptor
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func newBoardClient(desc Descriptor, defaultBase, component string, logger zerolog.Logger) boardClient {
	baseURL := strings.TrimRight(desc.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	return boardClient{
		desc:    desc,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With().Str("component", component).Str("source", desc.Name).Logger(),
	}
}

func (b boardClient) rows() int {
	if b.desc.Rows > 0 {
		return b.desc.Rows
	}
	return defaultRows
}

func (b boardClient) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.desc.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func (b boardClient) sample(ad advert) (Sample, error) {
	price, err := parsePrice(ad.Price, b.desc.Fiat)
	if err != nil {
		return Sample{}, err
	}
	b.logger.Debug().Str("advertiser", ad.Advertiser).Str("price", price.String()).Msg("price extracted")
	return Sample{
		SourceID:   b.desc.Name,
		Value:      price,
		Advertiser: ad.Advertiser,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Binance reads the best advert from the Binance P2P advert search.
type Binance struct {
	boardClient
}

// NewBinance constructs a Binance P2P source.
func NewBinance(desc Descriptor, logger zerolog.Logger) *Binance {
	return &Binance{boardClient: newBoardClient(desc, defaultBinanceBase, "binance_source", logger)}
}

// Name returns the configured source name.
func (s *Binance) Name() string { return s.desc.Name }

// Fetch returns the first advert price passing the allow-list.
func (s *Binance) Fetch(ctx context.Context) (Sample, error) {
	ctx, cancel := withTimeout(ctx, s.desc.Timeout)
	defer cancel()

	sample, err := s.fetch(ctx)
	return sample, extractionErr(s.desc.Name, err)
}

func (s *Binance) fetch(ctx context.Context) (Sample, error) {
	payTypes := s.desc.PayTypes
	if payTypes == nil {
		payTypes = []string{}
	}
	req := binanceSearchRequest{
		Asset:     strings.ToUpper(s.desc.Asset),
		Fiat:      strings.ToUpper(s.desc.Fiat),
		TradeType: strings.ToUpper(s.desc.TradeType),
		Page:      1,
		Rows:      s.rows(),
		PayTypes:  payTypes,
	}

	raw, err := s.postJSON(ctx, binanceSearchPath, req)
	if err != nil {
		return Sample{}, err
	}

	var res binanceSearchResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return Sample{}, fmt.Errorf("decode binance response: %w", err)
	}
	if !res.Success && res.Code != "000000" {
		return Sample{}, fmt.Errorf("binance api error %s: %s", res.Code, res.Message)
	}

	adverts := make([]advert, 0, len(res.Data))
	for _, item := range res.Data {
		adverts = append(adverts, advert{Advertiser: item.Advertiser.NickName, Price: item.Adv.Price})
	}

	ad, err := pickAdvert(adverts, s.desc.Advertisers, s.logger)
	if err != nil {
		return Sample{}, err
	}
	return s.sample(ad)
}

type binanceSearchRequest struct {
	Asset     string   `json:"asset"`
	Fiat      string   `json:"fiat"`
	TradeType string   `json:"tradeType"`
	Page      int      `json:"page"`
	Rows      int      `json:"rows"`
	PayTypes  []string `json:"payTypes"`
}

type binanceSearchResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Data    []struct {
		Adv struct {
			Price string `json:"price"`
		} `json:"adv"`
		Advertiser struct {
			NickName string `json:"nickName"`
		} `json:"advertiser"`
	} `json:"data"`
}

// Bybit reads the best item from the Bybit OTC board.
type Bybit struct {
	boardClient
}

// NewBybit constructs a Bybit OTC source.
func NewBybit(desc Descriptor, logger zerolog.Logger) *Bybit {
	return &Bybit{boardClient: newBoardClient(desc, defaultBybitBase, "bybit_source", logger)}
}

// Name returns the configured source name.
func (s *Bybit) Name() string { return s.desc.Name }

// Fetch returns the first item price passing the allow-list.
func (s *Bybit) Fetch(ctx context.Context) (Sample, error) {
	ctx, cancel := withTimeout(ctx, s.desc.Timeout)
	defer cancel()

	sample, err := s.fetch(ctx)
	return sample, extractionErr(s.desc.Name, err)
}

func (s *Bybit) fetch(ctx context.Context) (Sample, error) {
	req := bybitItemsRequest{
		TokenID:    strings.ToUpper(s.desc.Asset),
		CurrencyID: strings.ToUpper(s.desc.Fiat),
		Side:       bybitSide(s.desc.TradeType),
		Size:       strconv.Itoa(s.rows()),
		Page:       "1",
		Payment:    s.desc.PayTypes,
	}

	raw, err := s.postJSON(ctx, bybitItemsPath, req)
	if err != nil {
		return Sample{}, err
	}

	var res bybitItemsResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return Sample{}, fmt.Errorf("decode bybit response: %w", err)
	}
	if res.RetCode != 0 {
		return Sample{}, fmt.Errorf("bybit api error %d: %s", res.RetCode, res.RetMsg)
	}

	adverts := make([]advert, 0, len(res.Result.Items))
	for _, item := range res.Result.Items {
		adverts = append(adverts, advert{Advertiser: item.NickName, Price: item.Price})
	}

	ad, err := pickAdvert(adverts, s.desc.Advertisers, s.logger)
	if err != nil {
		return Sample{}, err
	}
	return s.sample(ad)
}

// bybitSide maps the board the user is looking at onto the API side flag:
// "buy" lists adverts selling to the user (side 1), "sell" lists buyers (side 0).
func bybitSide(tradeType string) string {
	if strings.EqualFold(tradeType, "buy") {
		return "1"
	}
	return "0"
}

type bybitItemsRequest struct {
	TokenID    string   `json:"tokenId"`
	CurrencyID string   `json:"currencyId"`
	Side       string   `json:"side"`
	Size       string   `json:"size"`
	Page       string   `json:"page"`
	Payment    []string `json:"payment,omitempty"`
}

type bybitItemsResponse struct {
	RetCode int    `json:"ret_code"`
	RetMsg  string `json:"ret_msg"`
	Result  struct {
		Count int `json:"count"`
		Items []struct {
			Price    string `json:"price"`
			NickName string `json:"nickName"`
		} `json:"items"`
	} `json:"result"`
}

var (
	_ Source = (*Binance)(nil)
	_ Source = (*Bybit)(nil)
)
