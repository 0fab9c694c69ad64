package bitstamp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/lykkecity/bitstamp-adapter/config"
	"github.com/lykkecity/bitstamp-adapter/errs"
	"github.com/lykkecity/bitstamp-adapter/internal/observability"
)

const maxErrorBodyBytes = 2048

// Client is the authenticated Bitstamp REST client for one credential set.
// A nil signer produces an unauthenticated client for public endpoints.
type Client struct {
	baseURL     string
	http        *http.Client
	signer      *Signer
	internalKey string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithInternalKey tags the client with the adapter-side API key it serves.
func WithInternalKey(key string) ClientOption {
	return func(c *Client) {
		c.internalKey = strings.TrimSpace(key)
	}
}

// NewClient builds a REST client against the configured exchange endpoint.
func NewClient(cfg config.ExchangeSettings, signer *Signer, opts ...ClientOption) *Client {
	timeout := cfg.HTTPTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.RESTBaseURL), "/"),
		http:        &http.Client{Timeout: timeout},
		signer:      signer,
		internalKey: "n/a",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// InternalKey returns the adapter-side API key this client serves.
func (c *Client) InternalKey() string { return c.internalKey }

func (c *Client) post(ctx context.Context, op, path string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	if c.signer != nil {
		signed, err := c.signer.Sign(form)
		if err != nil {
			return err
		}
		form = signed
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}

	if resp.StatusCode == http.StatusForbidden {
		return errs.New(op, errs.CodeForbidden,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(truncate(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(op, errs.CodeAPIError,
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(truncate(body)))
	}

	if err := Classify(op, resp.StatusCode, body); err != nil {
		observability.Log().Debug("exchange rejected request",
			observability.Field{Key: "op", Value: op},
			observability.Field{Key: "code", Value: errs.CodeOf(err)})
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(op, errs.CodeAPIError,
			errs.WithMessage("decode response"),
			errs.WithCause(err))
	}
	return nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(body)
}

// Balance fetches all asset balances. The exchange reports one flat object
// of "{asset}_{suffix}" keys; an asset appears in the result when any of its
// available, balance or reserved keys is present and numeric.
func (c *Client) Balance(ctx context.Context) ([]Balance, error) {
	const op = "bitstamp/balance"
	var flat map[string]json.RawMessage
	if err := c.post(ctx, op, "balance/", nil, &flat); err != nil {
		return nil, err
	}

	available := balancesBySuffix(flat, "available")
	balance := balancesBySuffix(flat, "balance")
	reserved := balancesBySuffix(flat, "reserved")

	assets := make(map[string]struct{})
	for asset := range available {
		assets[asset] = struct{}{}
	}
	for asset := range balance {
		assets[asset] = struct{}{}
	}
	for asset := range reserved {
		assets[asset] = struct{}{}
	}

	out := make([]Balance, 0, len(assets))
	for asset := range assets {
		out = append(out, Balance{
			Asset:     asset,
			Balance:   balance[asset],
			Reserved:  reserved[asset],
			Available: available[asset],
		})
	}
	return out, nil
}

// balancesBySuffix extracts "{asset}_{suffix}" keys with numeric values.
// Non-numeric values are skipped, not failed: the flat object mixes balances
// with fee rates and other noise.
func balancesBySuffix(flat map[string]json.RawMessage, suffix string) map[string]decimal.Decimal {
	ending := "_" + suffix
	out := make(map[string]decimal.Decimal)
	for key, raw := range flat {
		if !strings.HasSuffix(key, ending) {
			continue
		}
		var value decimal.Decimal
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		out[strings.TrimSuffix(key, ending)] = value
	}
	return out
}

// OpenOrders lists all resting orders across instruments.
func (c *Client) OpenOrders(ctx context.Context) ([]ShortOrder, error) {
	var out []ShortOrder
	if err := c.post(ctx, "bitstamp/open-orders", "open_orders/all/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BuyLimitOrder places a buy limit order on the given instrument.
func (c *Client) BuyLimitOrder(ctx context.Context, instrument string, amount, price decimal.Decimal) (PlaceOrderResponse, error) {
	return c.placeOrder(ctx, "bitstamp/buy-limit-order", "buy", instrument, amount, price)
}

// SellLimitOrder places a sell limit order on the given instrument.
func (c *Client) SellLimitOrder(ctx context.Context, instrument string, amount, price decimal.Decimal) (PlaceOrderResponse, error) {
	return c.placeOrder(ctx, "bitstamp/sell-limit-order", "sell", instrument, amount, price)
}

func (c *Client) placeOrder(ctx context.Context, op, side, instrument string, amount, price decimal.Decimal) (PlaceOrderResponse, error) {
	instrument = strings.ToLower(strings.TrimSpace(instrument))
	form := url.Values{}
	form.Set("amount", amount.String())
	form.Set("price", price.String())

	var out PlaceOrderResponse
	path := side + "/" + url.PathEscape(instrument) + "/"
	if err := c.post(ctx, op, path, form, &out); err != nil {
		return PlaceOrderResponse{}, err
	}
	return out, nil
}

// OrderStatus fetches the lifecycle state and fills of one order.
func (c *Client) OrderStatus(ctx context.Context, id string) (OrderStatusResponse, error) {
	form := url.Values{}
	form.Set("id", id)
	var out OrderStatusResponse
	if err := c.post(ctx, "bitstamp/order-status", "order_status/", form, &out); err != nil {
		return OrderStatusResponse{}, err
	}
	return out, nil
}

// CancelOrder cancels one order by id.
func (c *Client) CancelOrder(ctx context.Context, id string) (CancelOrderResponse, error) {
	form := url.Values{}
	form.Set("id", id)
	var out CancelOrderResponse
	if err := c.post(ctx, "bitstamp/cancel-order", "cancel_order/", form, &out); err != nil {
		return CancelOrderResponse{}, err
	}
	return out, nil
}

// Withdrawals lists withdrawal requests made since the given time.
func (c *Client) Withdrawals(ctx context.Context, since time.Time) ([]Withdrawal, error) {
	timedelta := int64(time.Since(since) / time.Second)
	if timedelta < 0 {
		timedelta = 0
	}
	form := url.Values{}
	form.Set("timedelta", strconv.FormatInt(timedelta, 10))

	var out []Withdrawal
	if err := c.post(ctx, "bitstamp/withdrawals", "withdrawal_requests/", form, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateWithdrawal requests a crypto withdrawal. The destination tag only
// applies to XRP and is ignored otherwise.
func (c *Client) CreateWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, address, destinationTag string) (WithdrawalID, error) {
	const op = "bitstamp/create-withdrawal"

	form := url.Values{}
	form.Set("amount", amount.String())
	form.Set("address", strings.TrimSpace(address))

	var path string
	switch strings.ToUpper(strings.TrimSpace(asset)) {
	case "BTC":
		path = "bitcoin_withdrawal/"
	case "ETH":
		path = "eth_withdrawal/"
	case "LTC":
		path = "ltc_withdrawal/"
	case "BCH":
		path = "bch_withdrawal/"
	case "XRP":
		path = "xrp_withdrawal/"
		if tag := strings.TrimSpace(destinationTag); tag != "" {
			form.Set("destination_tag", tag)
		}
	default:
		return WithdrawalID{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("asset %q not supported", asset)))
	}

	var out WithdrawalID
	if err := c.post(ctx, op, path, form, &out); err != nil {
		return WithdrawalID{}, err
	}
	return out, nil
}

// TransferSubToMain moves funds from a sub account to the main account.
// An empty subAccount moves from the sub account the credentials belong to.
func (c *Client) TransferSubToMain(ctx context.Context, subAccount string, amount decimal.Decimal, currency string) (TransferResult, error) {
	return c.transfer(ctx, "bitstamp/transfer-sub-to-main", "transfer-to-main/", subAccount, amount, currency)
}

// TransferMainToSub moves funds from the main account to a sub account.
func (c *Client) TransferMainToSub(ctx context.Context, subAccount string, amount decimal.Decimal, currency string) (TransferResult, error) {
	return c.transfer(ctx, "bitstamp/transfer-main-to-sub", "transfer-from-main/", subAccount, amount, currency)
}

func (c *Client) transfer(ctx context.Context, op, path, subAccount string, amount decimal.Decimal, currency string) (TransferResult, error) {
	form := url.Values{}
	form.Set("amount", amount.String())
	form.Set("currency", strings.ToUpper(strings.TrimSpace(currency)))
	if sub := strings.TrimSpace(subAccount); sub != "" {
		form.Set("subAccount", sub)
	}

	var out TransferResult
	if err := c.post(ctx, op, path, form, &out); err != nil {
		return TransferResult{}, err
	}
	return out, nil
}

// DepositAddress fetches the deposit address for a crypto asset. Depending
// on the asset the exchange answers either a JSON object with an address
// field or a bare string.
func (c *Client) DepositAddress(ctx context.Context, asset string) (string, error) {
	const op = "bitstamp/deposit-address"

	var path string
	switch strings.ToUpper(strings.TrimSpace(asset)) {
	case "BTC":
		path = "bitcoin_deposit_address/"
	case "LTC":
		path = "ltc_address/"
	case "ETH":
		path = "eth_address/"
	case "BCH":
		path = "bch_address/"
	case "XRP":
		path = "xrp_address/"
	default:
		return "", errs.New(op, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("asset %q not supported", asset)))
	}

	var raw json.RawMessage
	if err := c.post(ctx, op, path, nil, &raw); err != nil {
		return "", err
	}

	var obj struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Address) != "" {
		return obj.Address, nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil && strings.TrimSpace(plain) != "" {
		return plain, nil
	}
	return "", errs.New(op, errs.CodeAPIError,
		errs.WithMessage("decode deposit address"),
		errs.WithRawMessage(truncate(raw)))
}

// UnconfirmedBitcoinDeposits lists pending bitcoin deposits.
func (c *Client) UnconfirmedBitcoinDeposits(ctx context.Context) ([]UnconfirmedBitcoinDeposit, error) {
	var out []UnconfirmedBitcoinDeposit
	if err := c.post(ctx, "bitstamp/unconfirmed-btc", "unconfirmed_btc/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
