package market

import (
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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Signalflow/internal/domain"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func verifySignature(t *testing.T, key *rsa.PrivateKey, r *http.Request) {
	t.Helper()
	ts := r.Header.Get(headerAccessTimestamp)
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(headerAccessSignature))
	assert.NoError(t, err)

	digest := sha256.Sum256([]byte(ts + r.Method + r.URL.Path))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	assert.NoError(t, err, "signature must verify for %s %s", r.Method, r.URL.Path)
	assert.Equal(t, "key-1", r.Header.Get(headerAccessKey))
}

func newKalshi(t *testing.T, h http.HandlerFunc) *Kalshi {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	k, err := NewKalshi(KalshiConfig{
		BaseURL:    srv.URL + "/trade-api/v2",
		KeyID:      "key-1",
		PrivateKey: rsaKey(t),
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return k
}

func TestLoadPrivateKey(t *testing.T) {
	key := rsaKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	got, err := LoadPrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, got.Equal(key))

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	got, err = LoadPrivateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, got.Equal(key))

	_, err = LoadPrivateKey([]byte("not a key"))
	assert.Error(t, err)
}

func TestKalshi_SubmitOrder(t *testing.T) {
	key := rsaKey(t)
	var body kalshiCreateOrder

	k := newKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, key, r)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/trade-api/v2/portfolio/orders", r.URL.Path)
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) || body.NoPrice == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		_ = json.NewEncoder(w).Encode(kalshiOrderResponse{Order: kalshiOrder{
			OrderID:        "ord-1",
			ClientOrderID:  body.ClientOrderID,
			Status:         "resting",
			Side:           body.Side,
			NoPrice:        *body.NoPrice,
			InitialCount:   body.Count,
			RemainingCount: body.Count - 3,
		}})
	})

	ack, err := k.SubmitOrder(context.Background(), OrderRequest{
		MarketID:       "KXTEST-1",
		Side:           domain.SideBuy,
		Outcome:        domain.OutcomeNo,
		Size:           10,
		Price:          decimal.RequireFromString("0.4567"),
		IdempotencyKey: "sf-abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "KXTEST-1", body.Ticker)
	assert.Equal(t, "sf-abc", body.ClientOrderID)
	assert.Equal(t, "no", body.Side)
	assert.Equal(t, "buy", body.Action)
	assert.Equal(t, "limit", body.Type)
	assert.Nil(t, body.YesPrice)
	require.NotNil(t, body.NoPrice)
	assert.Equal(t, int64(45), *body.NoPrice, "buy price rounds down to cents")

	assert.Equal(t, "ord-1", ack.ExternalID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, ack.Status)
	assert.Equal(t, int64(3), ack.FilledQty)
	assert.True(t, decimal.RequireFromString("0.45").Equal(ack.AvgPrice))
}

func TestKalshi_SubmitDuplicateResolvesExisting(t *testing.T) {
	k := newKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"order_already_exists","message":"duplicate"}}`))
		case http.MethodGet:
			assert.Equal(t, "KXTEST-1", r.URL.Query().Get("ticker"))
			_ = json.NewEncoder(w).Encode(kalshiOrdersResponse{Orders: []kalshiOrder{
				{OrderID: "other", ClientOrderID: "sf-other", Status: "resting"},
				{OrderID: "ord-1", ClientOrderID: "sf-abc", Status: "executed", FillCount: 5, YesPrice: 40, Side: "yes"},
			}})
		}
	})

	ack, err := k.SubmitOrder(context.Background(), OrderRequest{
		MarketID:       "KXTEST-1",
		Side:           domain.SideBuy,
		Outcome:        domain.OutcomeYes,
		Size:           5,
		Price:          decimal.RequireFromString("0.40"),
		IdempotencyKey: "sf-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ack.ExternalID)
	assert.Equal(t, domain.OrderStatusFilled, ack.Status)
	assert.Equal(t, int64(5), ack.FilledQty)
}

func TestKalshi_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
		notFound bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"code":"insufficient_balance","message":"no money"}}`, true, false},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"market_closed"}}`, true, false},
		{"not found", http.StatusNotFound, `{"error":{"code":"not_found"}}`, false, true},
		{"server error", http.StatusInternalServerError, `oops`, false, false},
		{"rate limited", http.StatusTooManyRequests, ``, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newKalshi(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := k.GetOrderStatus(context.Background(), "ord-1")
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
			assert.Equal(t, tt.notFound, errors.Is(err, ErrOrderNotFound))

			if !tt.rejected && !tt.notFound {
				var herr *HTTPError
				require.ErrorAs(t, err, &herr)
				assert.Equal(t, tt.status, herr.StatusCode)
			}
		})
	}

	t.Run("reject reason", func(t *testing.T) {
		k := newKalshi(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"insufficient_balance"}}`))
		})
		_, err := k.SubmitOrder(context.Background(), OrderRequest{
			MarketID: "M", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
			Size: 1, Price: decimal.RequireFromString("0.5"), IdempotencyKey: "k",
		})
		assert.Equal(t, "insufficient_balance", RejectReason(err))
	})
}

func TestKalshi_CancelOrder(t *testing.T) {
	key := rsaKey(t)
	called := false
	k := newKalshi(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, key, r)
		called = true
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/trade-api/v2/portfolio/orders/ord-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"order":{"order_id":"ord-9","status":"canceled"}}`))
	})

	require.NoError(t, k.CancelOrder(context.Background(), "ord-9"))
	assert.True(t, called)
}

func TestPriceCents(t *testing.T) {
	tests := []struct {
		price string
		side  domain.Side
		want  int64
		err   bool
	}{
		{"0.45", domain.SideBuy, 45, false},
		{"0.4599", domain.SideBuy, 45, false},
		{"0.4501", domain.SideSell, 46, false},
		{"0.0050", domain.SideBuy, 0, true},
		{"0.9950", domain.SideSell, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.price+"/"+string(tt.side), func(t *testing.T) {
			got, err := priceCents(decimal.RequireFromString(tt.price), tt.side)
			if tt.err {
				assert.ErrorIs(t, err, ErrRejected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPaper_DedupByKey(t *testing.T) {
	p := NewPaper(PaperConfig{Mode: FillNone})
	req := OrderRequest{
		MarketID: "M", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
		Size: 5, Price: decimal.RequireFromString("0.3"), IdempotencyKey: "sf-1",
	}

	a1, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	a2, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a1.ExternalID, a2.ExternalID)
	assert.Equal(t, domain.OrderStatusSubmitted, a1.Status)
	assert.Equal(t, int64(2), p.Submissions())

	require.NoError(t, p.CancelOrder(context.Background(), a1.ExternalID))
	st, err := p.GetOrderStatus(context.Background(), a1.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, st.Status)

	assert.ErrorIs(t, p.CancelOrder(context.Background(), a1.ExternalID), ErrRejected)
	assert.ErrorIs(t, p.CancelOrder(context.Background(), "missing"), ErrOrderNotFound)
}

func TestPaper_RejectAndAsyncFill(t *testing.T) {
	p := NewPaper(PaperConfig{
		Mode:      FillAsync,
		FillDelay: 10 * time.Millisecond,
		Reject: func(r OrderRequest) string {
			if r.MarketID == "CLOSED" {
				return "market_closed"
			}
			return ""
		},
	})

	_, err := p.SubmitOrder(context.Background(), OrderRequest{
		MarketID: "CLOSED", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
		Size: 1, Price: decimal.RequireFromString("0.5"), IdempotencyKey: "k1",
	})
	assert.Equal(t, "market_closed", RejectReason(err))

	ack, err := p.SubmitOrder(context.Background(), OrderRequest{
		MarketID: "OPEN", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
		Size: 4, Price: decimal.RequireFromString("0.5"), IdempotencyKey: "k2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, ack.Status)

	select {
	case u := <-p.Updates():
		assert.Equal(t, ack.ExternalID, u.ExternalID)
		assert.True(t, u.Snapshot)
		assert.Equal(t, domain.OrderStatusFilled, u.Status)
		assert.Equal(t, int64(4), u.FilledQty)
	case <-time.After(2 * time.Second):
		t.Fatal("no fill update")
	}
}

func TestDecodeStreamMessage(t *testing.T) {
	u, ok, err := decodeStreamMessage([]byte(`{"type":"fill","sid":1,"msg":{"order_id":"ord-1","market_ticker":"M","count":3,"ts":1700000000}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ord-1", u.ExternalID)
	assert.False(t, u.Snapshot)
	assert.Equal(t, int64(1700000000), u.At.Unix())

	_, ok, err = decodeStreamMessage([]byte(`{"type":"subscribed","id":1,"msg":{"channel":"fill","sid":1}}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeStreamMessage([]byte(`{"type":"error","msg":{"code":6,"msg":"already subscribed"}}`))
	assert.ErrorIs(t, err, errStreamRejected)
}

func TestStream_SubscribesAndEmitsFills(t *testing.T) {
	key := rsaKey(t)
	upgrader := websocket.Upgrader{}
	subscribed := make(chan streamCommand, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, key, r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd streamCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribed","id":1,"msg":{"channel":"fill","sid":1}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"fill","sid":1,"msg":{"order_id":"ord-7","count":2}}`))

		// держим соединение до закрытия клиентом
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewStream(StreamConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/trade-api/ws/v2",
		KeyID:      "key-1",
		PrivateKey: key,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, "subscribe", cmd.Cmd)
		assert.Equal(t, []string{"fill"}, cmd.Params.Channels)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not subscribe")
	}

	select {
	case u := <-s.Updates():
		assert.Equal(t, "ord-7", u.ExternalID)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	_, open := <-s.Updates()
	assert.False(t, open)
}

func TestStreamBackoff(t *testing.T) {
	assert.GreaterOrEqual(t, streamBackoff(1), streamMinBackoff)
	for i := 1; i < 20; i++ {
		assert.LessOrEqual(t, streamBackoff(i), streamMaxBackoff+streamMaxBackoff/5)
	}
}
