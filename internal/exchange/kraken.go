package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/copyflow/signal-engine/internal/metrics"
)

const (
	defaultBaseURL = "https://futures.kraken.com"
	derivPath      = "/derivatives/api/v3"
	historyPath    = "/api/history/v3"

	requestTimeout = 10 * time.Second
)

// Credentials is the parsed form of an account's opaque credential blob.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// ParseCredentials decodes a credential blob. The blob is stored and passed
// around opaque; only this package looks inside.
func ParseCredentials(blob string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	if c.APIKey == "" || c.APISecret == "" {
		return Credentials{}, errors.New("parse credentials: missing key or secret")
	}
	return c, nil
}

// Kraken is the Kraken Futures REST client. One instance per account; a
// per-client rate limiter keeps each account inside the venue's budget
// independently of the others.
type Kraken struct {
	baseURL string
	apiKey  string
	secret  []byte // base64-decoded API secret
	http    *http.Client
	limiter *rate.Limiter
}

// NewKraken builds a client from parsed credentials.
func NewKraken(creds Credentials) (*Kraken, error) {
	secret, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not base64", ErrAuth)
	}
	return &Kraken{
		baseURL: defaultBaseURL,
		apiKey:  creds.APIKey,
		secret:  secret,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}, nil
}

// sign builds the Authent header: base64(HMAC-SHA512(SHA256(postData +
// nonce + endpointPath), secret)).
func (k *Kraken) sign(endpointPath, nonce, postData string) string {
	sum := sha256.Sum256([]byte(postData + nonce + endpointPath))
	mac := hmac.New(sha512.New, k.secret)
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do issues a signed request and decodes the JSON envelope into out.
func (k *Kraken) do(ctx context.Context, method, path string, params url.Values, out any) error {
	err := k.doRequest(ctx, method, path, params, out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ExchangeCalls.WithLabelValues(endpointName(path), result).Inc()
	return err
}

// endpointName reduces a request path to its endpoint segment for the
// metrics label, so symbol-bearing paths stay low-cardinality.
func endpointName(path string) string {
	for _, prefix := range []string{derivPath + "/", historyPath + "/"} {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i]
			}
			return rest
		}
	}
	return path
}

func (k *Kraken) doRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return err
	}

	postData := ""
	reqURL := k.baseURL + path
	var body io.Reader
	if params != nil {
		postData = params.Encode()
		if method == http.MethodGet {
			reqURL += "?" + postData
		} else {
			body = strings.NewReader(postData)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	req.Header.Set("APIKey", k.apiKey)
	req.Header.Set("Nonce", nonce)
	req.Header.Set("Authent", k.sign(path, nonce, postData))
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var envelope struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if envelope.Result == "error" || envelope.Error != "" {
		return mapAPIError(envelope.Error)
	}

	if out != nil {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// mapAPIError translates the venue's error strings into sentinel errors.
func mapAPIError(apiErr string) error {
	switch {
	case strings.Contains(apiErr, "authentication"),
		strings.Contains(apiErr, "invalidApiKey"),
		strings.Contains(apiErr, "requiredArgumentMissing: Authent"):
		return ErrAuth
	case strings.Contains(apiErr, "insufficientAvailableFunds"),
		strings.Contains(apiErr, "insufficientFunds"):
		return ErrInsufficientFunds
	case strings.Contains(apiErr, "apiLimitExceeded"),
		strings.Contains(apiErr, "nonceBelowThreshold"):
		return fmt.Errorf("%w: %s", ErrUnavailable, apiErr)
	default:
		return fmt.Errorf("%w: %s", ErrOrderRejected, apiErr)
	}
}

// --- Balances ---

// balanceProbe extracts one candidate figure from the flex account payload.
// Probes run in priority order; the first one that finds a usable value
// wins. Field availability varies by account type and API version, which is
// why this is a list and not a single field read.
type balanceProbe struct {
	name  string
	probe func(flex map[string]json.Number) (decimal.Decimal, bool)
}

func field(name string) func(map[string]json.Number) (decimal.Decimal, bool) {
	return func(flex map[string]json.Number) (decimal.Decimal, bool) {
		n, ok := flex[name]
		if !ok {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
}

var equityProbes = []balanceProbe{
	{"marginEquity", field("marginEquity")},
	{"portfolioValue", field("portfolioValue")},
	{"balanceValue", field("balanceValue")},
}

var cashProbes = []balanceProbe{
	{"balanceValue", field("balanceValue")},
	{"collateralValue", field("collateralValue")},
}

type accountsResponse struct {
	Accounts map[string]struct {
		Type            string      `json:"type"`
		MarginEquity    json.Number `json:"marginEquity"`
		PortfolioValue  json.Number `json:"portfolioValue"`
		BalanceValue    json.Number `json:"balanceValue"`
		CollateralValue json.Number `json:"collateralValue"`
	} `json:"accounts"`
}

func (r *accountsResponse) flexFields() map[string]json.Number {
	flex := map[string]json.Number{}
	for _, acct := range r.Accounts {
		if acct.Type != "multiCollateralMarginAccount" {
			continue
		}
		if acct.MarginEquity != "" {
			flex["marginEquity"] = acct.MarginEquity
		}
		if acct.PortfolioValue != "" {
			flex["portfolioValue"] = acct.PortfolioValue
		}
		if acct.BalanceValue != "" {
			flex["balanceValue"] = acct.BalanceValue
		}
		if acct.CollateralValue != "" {
			flex["collateralValue"] = acct.CollateralValue
		}
	}
	return flex
}

func (k *Kraken) balance(ctx context.Context, probes []balanceProbe) (decimal.Decimal, error) {
	var resp accountsResponse
	if err := k.do(ctx, http.MethodGet, derivPath+"/accounts", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	flex := resp.flexFields()
	for _, p := range probes {
		if v, ok := p.probe(flex); ok {
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("balance payload has none of the expected fields")
}

func (k *Kraken) Equity(ctx context.Context) (decimal.Decimal, error) {
	return k.balance(ctx, equityProbes)
}

func (k *Kraken) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	return k.balance(ctx, cashProbes)
}

// --- Positions & orders ---

func (k *Kraken) Positions(ctx context.Context) ([]Position, error) {
	var resp struct {
		OpenPositions []struct {
			Symbol string      `json:"symbol"`
			Side   string      `json:"side"` // "long" | "short"
			Size   json.Number `json:"size"`
			Price  json.Number `json:"price"`
		} `json:"openPositions"`
	}
	if err := k.do(ctx, http.MethodGet, derivPath+"/openpositions", nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		side := Buy
		if p.Side == "short" {
			side = Sell
		}
		qty, _ := decimal.NewFromString(p.Size.String())
		price, _ := decimal.NewFromString(p.Price.String())
		positions = append(positions, Position{
			Symbol:     strings.ToUpper(p.Symbol),
			Side:       side,
			Qty:        qty,
			EntryPrice: price,
		})
	}
	return positions, nil
}

func (k *Kraken) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var resp struct {
		OpenOrders []struct {
			OrderID    string      `json:"order_id"`
			Symbol     string      `json:"symbol"`
			Side       string      `json:"side"`
			OrderType  string      `json:"orderType"`
			UnfilledSz json.Number `json:"unfilledSize"`
			LimitPrice json.Number `json:"limitPrice"`
			StopPrice  json.Number `json:"stopPrice"`
			ReduceOnly bool        `json:"reduceOnly"`
			ReceivedAt time.Time   `json:"receivedTime"`
		} `json:"openOrders"`
	}
	if err := k.do(ctx, http.MethodGet, derivPath+"/openorders", nil, &resp); err != nil {
		return nil, err
	}

	var orders []Order
	for _, o := range resp.OpenOrders {
		sym := strings.ToUpper(o.Symbol)
		if symbol != "" && sym != symbol {
			continue
		}
		qty, _ := decimal.NewFromString(o.UnfilledSz.String())
		limit, _ := decimal.NewFromString(o.LimitPrice.String())
		stop, _ := decimal.NewFromString(o.StopPrice.String())
		orders = append(orders, Order{
			ID:         o.OrderID,
			Symbol:     sym,
			Side:       OrderSide(o.Side),
			Type:       OrderType(o.OrderType),
			Qty:        qty,
			LimitPrice: limit,
			StopPrice:  stop,
			ReduceOnly: o.ReduceOnly,
			CreatedAt:  o.ReceivedAt,
		})
	}
	return orders, nil
}

// --- Fills & P&L ---

func (k *Kraken) RecentFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("lastFillTime", since.UTC().Format(time.RFC3339))
	}
	var resp struct {
		Fills []struct {
			FillID   string      `json:"fill_id"`
			OrderID  string      `json:"order_id"`
			Symbol   string      `json:"symbol"`
			Side     string      `json:"side"`
			Price    json.Number `json:"price"`
			Size     json.Number `json:"size"`
			FillTime time.Time   `json:"fillTime"`
		} `json:"fills"`
	}
	if err := k.do(ctx, http.MethodGet, derivPath+"/fills", params, &resp); err != nil {
		return nil, err
	}

	var fills []Fill
	for _, f := range resp.Fills {
		sym := strings.ToUpper(f.Symbol)
		if symbol != "" && sym != symbol {
			continue
		}
		price, _ := decimal.NewFromString(f.Price.String())
		qty, _ := decimal.NewFromString(f.Size.String())
		fills = append(fills, Fill{
			ID:        f.FillID,
			OrderID:   f.OrderID,
			Symbol:    sym,
			Side:      OrderSide(f.Side),
			Price:     price,
			Qty:       qty,
			Timestamp: f.FillTime,
		})
	}
	// Venue returns newest first; callers want oldest first.
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return fills, nil
}

func (k *Kraken) RealizedPnL(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	entries, err := k.accountLog(ctx, since)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		if !strings.EqualFold(e.Contract, symbol) {
			continue
		}
		switch e.Info {
		case "futures trade", "funding rate change":
			sum = sum.Add(e.RealizedPnL)
		}
	}
	return sum, nil
}

// --- Market data ---

func (k *Kraken) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp struct {
		Ticker struct {
			Last json.Number `json:"last"`
		} `json:"ticker"`
	}
	if err := k.do(ctx, http.MethodGet, derivPath+"/tickers/"+symbol, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	last, err := decimal.NewFromString(resp.Ticker.Last.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: bad last price: %w", symbol, err)
	}
	return last, nil
}

// --- Order placement ---

func (k *Kraken) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("orderType", string(req.Type))
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("size", req.Qty.String())
	if !req.LimitPrice.IsZero() {
		params.Set("limitPrice", req.LimitPrice.String())
	}
	if !req.StopPrice.IsZero() {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		SendStatus struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"sendStatus"`
	}
	if err := k.do(ctx, http.MethodPost, derivPath+"/sendorder", params, &resp); err != nil {
		return nil, err
	}
	if resp.SendStatus.Status != "placed" {
		return nil, mapAPIError(resp.SendStatus.Status)
	}

	o := &Order{
		ID:         resp.SendStatus.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now().UTC(),
	}
	return o, nil
}

func (k *Kraken) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)

	var resp struct {
		CancelStatus struct {
			Status string `json:"status"`
		} `json:"cancelStatus"`
	}
	if err := k.do(ctx, http.MethodPost, derivPath+"/cancelorder", params, &resp); err != nil {
		return err
	}
	switch resp.CancelStatus.Status {
	case "cancelled", "notFound", "filled":
		// Gone either way. Cancelling an already-dead order is fine.
		return nil
	default:
		return mapAPIError(resp.CancelStatus.Status)
	}
}

func (k *Kraken) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("maxLeverage", leverage.String())
	return k.do(ctx, http.MethodPut, derivPath+"/leveragepreferences", params, nil)
}

// --- Transfers & account log ---

type logEntry struct {
	ID          string
	Info        string
	Contract    string
	RealizedPnL decimal.Decimal
	Amount      decimal.Decimal
	Timestamp   time.Time
}

func (k *Kraken) accountLog(ctx context.Context, since time.Time) ([]logEntry, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.UnixMilli(), 10))
	}
	params.Set("sort", "asc")

	var resp struct {
		Logs []struct {
			ID          json.Number `json:"id"`
			Info        string      `json:"info"`
			Contract    string      `json:"contract"`
			RealizedPnL json.Number `json:"realized_pnl"`
			Amount      json.Number `json:"change"`
			Date        time.Time   `json:"date"`
		} `json:"logs"`
	}
	if err := k.do(ctx, http.MethodGet, historyPath+"/account-log", params, &resp); err != nil {
		return nil, err
	}

	entries := make([]logEntry, 0, len(resp.Logs))
	for _, l := range resp.Logs {
		pnl, _ := decimal.NewFromString(l.RealizedPnL.String())
		amount, _ := decimal.NewFromString(l.Amount.String())
		entries = append(entries, logEntry{
			ID:          l.ID.String(),
			Info:        l.Info,
			Contract:    strings.ToUpper(l.Contract),
			RealizedPnL: pnl,
			Amount:      amount,
			Timestamp:   l.Date,
		})
	}
	return entries, nil
}

func (k *Kraken) Transfers(ctx context.Context, since time.Time) ([]Transfer, error) {
	entries, err := k.accountLog(ctx, since)
	if err != nil {
		return nil, err
	}

	var transfers []Transfer
	for _, e := range entries {
		var typ TransferType
		switch e.Info {
		case "deposit":
			typ = TransferDeposit
		case "withdrawal":
			typ = TransferWithdrawal
		default:
			continue
		}
		transfers = append(transfers, Transfer{
			ID:        e.ID,
			Type:      typ,
			Amount:    e.Amount.Abs(),
			Timestamp: e.Timestamp,
		})
	}
	return transfers, nil
}
