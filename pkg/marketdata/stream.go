package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/simtrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type StreamConfig struct {
	URL            string
	ReconnectDelay time.Duration
	MaxReconnects  int
	MaxAge         time.Duration
}

// StreamProvider keeps the latest ticker per symbol from a websocket feed and
// serves quotes out of that cache.
type StreamProvider struct {
	cfg       StreamConfig
	symbols   []string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.RWMutex
	connected bool
	latest    map[string]streamTicker
	logger    *logrus.Logger
}

type streamTicker struct {
	quote    models.MarketQuote
	received time.Time
}

type tickerMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}

type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

func NewStreamProvider(cfg StreamConfig, symbols []string, logger *logrus.Logger) *StreamProvider {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	return &StreamProvider{
		cfg:     cfg,
		symbols: symbols,
		latest:  make(map[string]streamTicker),
		logger:  logger,
	}
}

// Run connects and keeps reconnecting until ctx is done or MaxReconnects is
// exhausted (0 means unlimited).
func (s *StreamProvider) Run(ctx context.Context) {
	attempts := 0
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Market data stream connect failed")
		} else {
			attempts = 0
			go s.keepAlive(ctx, conn)
			s.readLoop(ctx, conn)
		}

		attempts++
		if s.cfg.MaxReconnects > 0 && attempts > s.cfg.MaxReconnects {
			s.logger.Error("Market data stream giving up after max reconnects")
			return
		}
		select {
		case <-ctx.Done():
			s.handleDisconnect()
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *StreamProvider) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *StreamProvider) Quotes(_ context.Context, symbols []string) (map[string]models.MarketQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected && len(s.latest) == 0 {
		return nil, fmt.Errorf("market data stream not connected")
	}

	now := time.Now()
	out := make(map[string]models.MarketQuote, len(symbols))
	for _, symbol := range symbols {
		t, ok := s.latest[symbol]
		if !ok || now.Sub(t.received) > s.cfg.MaxAge {
			continue
		}
		out[symbol] = t.quote
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no fresh stream quotes for %d symbols", len(symbols))
	}
	return out, nil
}

func (s *StreamProvider) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if err := s.write(conn, subscribeMessage{Type: "subscribe", Symbols: s.symbols}); err != nil {
		s.handleDisconnect()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return conn, nil
}

func (s *StreamProvider) write(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *StreamProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if ctx.Err() != nil {
			s.handleDisconnect()
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read websocket message")
			s.handleDisconnect()
			return
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Debug("Ignoring malformed stream message")
			continue
		}
		if msg.Type != "ticker" || msg.Symbol == "" || !msg.Price.IsPositive() {
			continue
		}

		s.mu.Lock()
		s.latest[msg.Symbol] = streamTicker{
			quote: models.MarketQuote{
				Symbol:    msg.Symbol,
				Price:     msg.Price,
				Change24h: msg.Change24h,
				Volume24h: msg.Volume24h,
			},
			received: time.Now(),
		}
		s.mu.Unlock()
	}
}

func (s *StreamProvider) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Connected() {
				return
			}
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Warn("Failed to send ping")
				s.handleDisconnect()
				return
			}
		}
	}
}

func (s *StreamProvider) handleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.conn != nil {
		s.conn.Close()
	}
}
