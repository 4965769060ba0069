package market

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Базовые адреса Kalshi Trade API v2.
const (
	KalshiProdURL = "https://api.elections.kalshi.com/trade-api/v2"
	KalshiDemoURL = "https://demo-api.kalshi.co/trade-api/v2"
)

const (
	headerAccessKey       = "KALSHI-ACCESS-KEY"
	headerAccessSignature = "KALSHI-ACCESS-SIGNATURE"
	headerAccessTimestamp = "KALSHI-ACCESS-TIMESTAMP"

	defaultKalshiTimeout = 15 * time.Second
	maxKalshiBody        = 1 << 20
)

var hundred = decimal.NewFromInt(100)

// KalshiConfig — настройки REST-клиента Kalshi.
type KalshiConfig struct {
	// BaseURL — KalshiProdURL или KalshiDemoURL.
	BaseURL string

	// KeyID — идентификатор API-ключа (KALSHI-ACCESS-KEY).
	KeyID string

	// PrivateKey — RSA ключ для подписи запросов.
	PrivateKey *rsa.PrivateKey

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Stream — поток обновлений, если подключён WebSocket.
	Stream *Stream
}

// Kalshi — REST-клиент Kalshi, реализует Client.
//
// Каждый запрос подписывается RSA-PSS (SHA-256) по строке
// timestamp_ms + METHOD + path.
type Kalshi struct {
	baseURL  string
	basePath string
	keyID    string
	key      *rsa.PrivateKey
	client   *http.Client
	logger   *slog.Logger
	stream   *Stream
}

// NewKalshi создаёт клиент.
func NewKalshi(cfg KalshiConfig) (*Kalshi, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = KalshiProdURL
	}
	if cfg.KeyID == "" || cfg.PrivateKey == nil {
		return nil, errors.New("kalshi: key id and private key are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse base url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultKalshiTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Kalshi{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		basePath: strings.TrimRight(u.Path, "/"),
		keyID:    cfg.KeyID,
		key:      cfg.PrivateKey,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		stream:   cfg.Stream,
	}, nil
}

// LoadPrivateKey разбирает PEM (PKCS#1 или PKCS#8) с RSA ключом.
func LoadPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("kalshi: no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("kalshi: private key is not RSA")
	}
	return key, nil
}

// LoadPrivateKeyFile читает ключ из файла.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kalshi: read private key: %w", err)
	}
	return LoadPrivateKey(data)
}

// SignRequest возвращает заголовки аутентификации для запроса.
// path — полный путь без query, например /trade-api/v2/portfolio/orders.
func SignRequest(key *rsa.PrivateKey, keyID, method, path string, now time.Time) (http.Header, error) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	digest := sha256.Sum256([]byte(ts + method + path))

	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign request: %w", err)
	}

	h := http.Header{}
	h.Set(headerAccessKey, keyID)
	h.Set(headerAccessSignature, base64.StdEncoding.EncodeToString(sig))
	h.Set(headerAccessTimestamp, ts)
	return h, nil
}

// Updates возвращает поток WebSocket, если он подключён.
func (k *Kalshi) Updates() <-chan OrderUpdate {
	if k.stream == nil {
		return nil
	}
	return k.stream.Updates()
}

// kalshiOrder — ордер в ответах Kalshi.
type kalshiOrder struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	InitialCount   int64  `json:"initial_count"`
	RemainingCount int64  `json:"remaining_count"`
	FillCount      int64  `json:"fill_count"`
}

type kalshiOrderResponse struct {
	Order kalshiOrder `json:"order"`
}

type kalshiOrdersResponse struct {
	Orders []kalshiOrder `json:"orders"`
}

type kalshiCreateOrder struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Count         int64  `json:"count"`
	Type          string `json:"type"`
	YesPrice      *int64 `json:"yes_price,omitempty"`
	NoPrice       *int64 `json:"no_price,omitempty"`
}

type kalshiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPError — неуспешный ответ Kalshi, который не является отказом ордера.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("kalshi: http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// SubmitOrder отправляет лимитный ордер.
//
// Цена переводится в центы: покупка округляется вниз, продажа вверх,
// чтобы лимит не стал хуже запрошенного.
func (k *Kalshi) SubmitOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	cents, err := priceCents(req.Price, req.Side)
	if err != nil {
		return Ack{}, err
	}

	body := kalshiCreateOrder{
		Ticker:        req.MarketID,
		ClientOrderID: req.IdempotencyKey,
		Side:          string(req.Outcome),
		Action:        string(req.Side),
		Count:         req.Size,
		Type:          "limit",
	}
	if req.Outcome == domain.OutcomeNo {
		body.NoPrice = &cents
	} else {
		body.YesPrice = &cents
	}

	var resp kalshiOrderResponse
	err = k.do(ctx, http.MethodPost, "/portfolio/orders", nil, body, &resp)

	var herr *HTTPError
	if errors.As(err, &herr) && herr.StatusCode == http.StatusConflict {
		// Ордер с этим client_order_id уже принят.
		order, findErr := k.findByClientID(ctx, req.MarketID, req.IdempotencyKey)
		if findErr != nil {
			return Ack{}, fmt.Errorf("kalshi: resolve duplicate order: %w", findErr)
		}
		resp.Order = *order
		err = nil
	}
	if err != nil {
		return Ack{}, err
	}

	state := resp.Order.state()
	k.logger.Info("kalshi order accepted",
		"order_key", req.IdempotencyKey,
		"external_id", state.ExternalID,
		"status", state.Status,
	)
	return Ack{
		ExternalID: state.ExternalID,
		Status:     state.Status,
		FilledQty:  state.FilledQty,
		AvgPrice:   state.AvgPrice,
	}, nil
}

// GetOrderStatus запрашивает состояние ордера.
func (k *Kalshi) GetOrderStatus(ctx context.Context, externalID string) (OrderState, error) {
	var resp kalshiOrderResponse
	if err := k.do(ctx, http.MethodGet, "/portfolio/orders/"+url.PathEscape(externalID), nil, nil, &resp); err != nil {
		return OrderState{}, err
	}
	return resp.Order.state(), nil
}

// CancelOrder отменяет ордер на площадке.
func (k *Kalshi) CancelOrder(ctx context.Context, externalID string) error {
	return k.do(ctx, http.MethodDelete, "/portfolio/orders/"+url.PathEscape(externalID), nil, nil, nil)
}

func (k *Kalshi) findByClientID(ctx context.Context, ticker, clientID string) (*kalshiOrder, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("limit", "200")

	var resp kalshiOrdersResponse
	if err := k.do(ctx, http.MethodGet, "/portfolio/orders", q, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Orders {
		if resp.Orders[i].ClientOrderID == clientID {
			return &resp.Orders[i], nil
		}
	}
	return nil, ErrOrderNotFound
}

func (k *Kalshi) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("kalshi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target := k.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("kalshi: build request: %w", err)
	}

	headers, err := SignRequest(k.key, k.keyID, method, k.basePath+path, time.Now())
	if err != nil {
		return err
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("kalshi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKalshiBody))
	if err != nil {
		return fmt.Errorf("kalshi: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return classifyKalshi(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("kalshi: decode response: %w", err)
	}
	return nil
}

// classifyKalshi переводит код ответа в ошибку.
// 400/403/422 — отказ ордера, 404 — ErrOrderNotFound, остальное — HTTPError.
func classifyKalshi(status int, body []byte) error {
	var ke kalshiError
	_ = json.Unmarshal(body, &ke)
	msg := ke.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity:
		reason := ke.Error.Code
		if reason == "" {
			reason = msg
		}
		return Rejected(reason)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, msg)
	default:
		return &HTTPError{StatusCode: status, Code: ke.Error.Code, Message: msg}
	}
}

func (o *kalshiOrder) state() OrderState {
	filled := o.FillCount
	if filled == 0 && o.InitialCount > 0 {
		filled = o.InitialCount - o.RemainingCount
	}

	var status domain.OrderStatus
	switch o.Status {
	case "executed":
		status = domain.OrderStatusFilled
	case "canceled", "cancelled":
		status = domain.OrderStatusCancelled
	default:
		status = domain.OrderStatusSubmitted
		if filled > 0 {
			status = domain.OrderStatusPartiallyFilled
		}
	}

	cents := o.YesPrice
	if o.Side == string(domain.OutcomeNo) {
		cents = o.NoPrice
	}

	return OrderState{
		ExternalID:    o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		FilledQty:     filled,
		AvgPrice:      decimal.NewFromInt(cents).Div(hundred),
	}
}

// priceCents переводит цену в долларах в центы 1..99.
func priceCents(price decimal.Decimal, side domain.Side) (int64, error) {
	c := price.Mul(hundred)
	if side == domain.SideSell {
		c = c.Ceil()
	} else {
		c = c.Floor()
	}
	cents := c.IntPart()
	if cents < 1 || cents > 99 {
		return 0, Rejected(fmt.Sprintf("price %s outside 1..99 cents", price))
	}
	return cents, nil
}
