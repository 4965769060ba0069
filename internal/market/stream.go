package market

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Адреса WebSocket API Kalshi.
const (
	KalshiProdStreamURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	KalshiDemoStreamURL = "wss://demo-api.kalshi.co/trade-api/ws/v2"
)

const (
	streamPingWait   = 60 * time.Second
	streamWriteWait  = 10 * time.Second
	streamMinBackoff = 250 * time.Millisecond
	streamMaxBackoff = 30 * time.Second
)

// StreamConfig — настройки потока обновлений.
type StreamConfig struct {
	URL string

	// KeyID и PrivateKey подписывают handshake. Без ключа
	// подключение идёт без аутентификации (тестовые стенды).
	KeyID      string
	PrivateKey *rsa.PrivateKey

	// Channels — каналы подписки, по умолчанию fill.
	Channels []string

	// Buffer — размер канала Updates.
	Buffer int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Stream — WebSocket-поток исполнений Kalshi.
//
// Переподключается с экспоненциальной задержкой, пока не отменён ctx.
// События fill не несут полного состояния ордера, поэтому публикуются
// без Snapshot: потребитель запрашивает состояние через GetOrderStatus.
type Stream struct {
	cfg     StreamConfig
	updates chan OrderUpdate
	logger  *slog.Logger
}

// NewStream создаёт поток. Подключение выполняет Run.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.URL == "" {
		cfg.URL = KalshiProdStreamURL
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"fill"}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stream{
		cfg:     cfg,
		updates: make(chan OrderUpdate, cfg.Buffer),
		logger:  cfg.Logger,
	}
}

// Updates возвращает канал событий. Закрывается после выхода из Run.
func (s *Stream) Updates() <-chan OrderUpdate {
	return s.updates
}

// Run держит соединение до отмены ctx.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.updates)

	attempt := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := streamBackoff(attempt)
		s.logger.Warn("order stream disconnected", "error", err, "attempt", attempt, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session обслуживает одно соединение.
func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.PrivateKey != nil {
		u, err := url.Parse(s.cfg.URL)
		if err != nil {
			return fmt.Errorf("parse stream url: %w", err)
		}
		header, err = SignRequest(s.cfg.PrivateKey, s.cfg.KeyID, http.MethodGet, u.Path, time.Now())
		if err != nil {
			return err
		}
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Чтение блокируется, поэтому отмена ctx закрывает соединение.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(streamPingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamPingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(streamWriteWait))
	})

	sub := streamCommand{
		ID:     1,
		Cmd:    "subscribe",
		Params: streamParams{Channels: s.cfg.Channels},
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("order stream connected", "url", s.cfg.URL, "channels", s.cfg.Channels)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(streamPingWait))

		update, ok, err := decodeStreamMessage(data)
		if err != nil {
			s.logger.Warn("invalid stream message", "error", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type streamCommand struct {
	ID     int          `json:"id"`
	Cmd    string       `json:"cmd"`
	Params streamParams `json:"params"`
}

type streamParams struct {
	Channels []string `json:"channels"`
}

type streamEnvelope struct {
	Type string          `json:"type"`
	SID  int             `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

type streamFill struct {
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	Count        int64  `json:"count"`
	TS           int64  `json:"ts"`
}

type streamError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

var errStreamRejected = errors.New("stream command rejected")

// decodeStreamMessage разбирает сообщение. ok=false — сообщение
// не относится к ордерам (subscribed, ok и т.п.).
func decodeStreamMessage(data []byte) (OrderUpdate, bool, error) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return OrderUpdate{}, false, err
	}

	switch env.Type {
	case "fill":
		var f streamFill
		if err := json.Unmarshal(env.Msg, &f); err != nil {
			return OrderUpdate{}, false, err
		}
		if f.OrderID == "" {
			return OrderUpdate{}, false, errors.New("fill without order_id")
		}
		at := time.Now()
		if f.TS > 0 {
			at = time.Unix(f.TS, 0)
		}
		return OrderUpdate{ExternalID: f.OrderID, At: at}, true, nil

	case "error":
		var e streamError
		_ = json.Unmarshal(env.Msg, &e)
		return OrderUpdate{}, false, fmt.Errorf("%w: %d %s", errStreamRejected, e.Code, e.Msg)

	default:
		return OrderUpdate{}, false, nil
	}
}

// streamBackoff — задержка переподключения для попытки attempt (с 1).
func streamBackoff(attempt int) time.Duration {
	wait := streamMinBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= streamMaxBackoff {
			wait = streamMaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Float64() * 0.2 * float64(wait))
	return wait + jitter
}
