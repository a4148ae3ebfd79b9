package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxRetryDelay = 60 * time.Second

// WebsocketConfig configures the broker push feed.
type WebsocketConfig struct {
	URL           string
	APIKey        string
	APISecret     string
	SessionToken  string
	StockToken    string
	Interval      string
	MaxReconnects int           // 0 disables reconnecting
	RetryDelay    time.Duration // first backoff, doubled up to 60s
	PingInterval  time.Duration
	ReadTimeout   time.Duration
}

// AuthMessage is the first frame sent after dialing.
type AuthMessage struct {
	Action       string `json:"action"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret,omitempty"`
	SessionToken string `json:"session_token"`
}

// SubscribeMessage asks for bars of one instrument at one interval,
// e.g. {"action":"subscribe","stock_token":"4.1!2885","interval":"1second"}.
type SubscribeMessage struct {
	Action     string `json:"action"`
	StockToken string `json:"stock_token"`
	Interval   string `json:"interval"`
}

// statusFrame is a control reply; ticks never carry these keys.
type statusFrame struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// WebsocketSource streams OHLCV ticks from the broker websocket.
type WebsocketSource struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func NewWebsocketSource(cfg WebsocketConfig) *WebsocketSource {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &WebsocketSource{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: utils.Component("feed.websocket"),
	}
}

func (s *WebsocketSource) Name() string { return "breeze" }

// Run connects, subscribes and streams until ctx is done. A failure to
// connect or subscribe the first time is returned immediately; later
// disconnects are retried up to MaxReconnects times.
func (s *WebsocketSource) Run(ctx context.Context, ing *Ingestor) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	delay := s.cfg.RetryDelay
	attempts := 0
	for {
		if conn != nil {
			err = s.stream(ctx, conn, ing)
			conn = nil
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				return fmt.Errorf("websocket feed: %w", err)
			}
		}
		if attempts >= s.cfg.MaxReconnects {
			return fmt.Errorf("websocket feed: %w", err)
		}
		attempts++
		s.logger.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay < maxRetryDelay {
			delay = min(delay*2, maxRetryDelay)
		}

		conn, err = s.connect(ctx)
	}
}

func (s *WebsocketSource) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	auth := AuthMessage{
		Action:       "auth",
		APIKey:       s.cfg.APIKey,
		APISecret:    s.cfg.APISecret,
		SessionToken: s.cfg.SessionToken,
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send credentials: %w", err)
	}

	sub := SubscribeMessage{Action: "subscribe", StockToken: s.cfg.StockToken, Interval: s.cfg.Interval}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s@%s: %w", s.cfg.StockToken, s.cfg.Interval, err)
	}

	s.logger.Info().Str("stock_token", s.cfg.StockToken).Str("interval", s.cfg.Interval).Msg("subscribed")
	return conn, nil
}

// stream reads frames in arrival order until the connection fails or ctx is
// done.
func (s *WebsocketSource) stream(ctx context.Context, conn *websocket.Conn, ing *Ingestor) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handle(frame, ing); err != nil {
			var ie *IngestError
			if errors.As(err, &ie) || !isFatal(err) {
				s.logger.Warn().Err(err).Bytes("frame", truncate(frame)).Msg("dropping malformed tick")
				continue
			}
			return err
		}
	}
}

var errFeedRejected = errors.New("feed rejected request")

func isFatal(err error) bool { return errors.Is(err, errFeedRejected) }

func (s *WebsocketSource) handle(frame []byte, ing *Ingestor) error {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}

	if !bytes.Contains(frame, []byte(`"datetime"`)) {
		var st statusFrame
		if err := json.Unmarshal(frame, &st); err == nil {
			if st.Error != "" {
				return fmt.Errorf("%w: %s", errFeedRejected, st.Error)
			}
			if st.Status != "" {
				s.logger.Debug().Str("status", st.Status).Msg("feed status")
				return nil
			}
		}
	}
	return ing.OnFrame(frame)
}

func truncate(b []byte) []byte {
	if len(b) > 256 {
		return b[:256]
	}
	return b
}
