package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/strategy/position"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// ChartResponse is the body of GET /chart.
type ChartResponse struct {
	Symbol   string    `json:"symbol"`
	Policy   string    `json:"policy"`
	Cycle    int64     `json:"cycle"`
	Updated  time.Time `json:"updated"`
	Points   []Point   `json:"points"`
	Position string    `json:"position"`
}

// CycleStatus is the body of GET /cycle.
type CycleStatus struct {
	Seq        int64     `json:"seq"`
	Symbol     string    `json:"symbol"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Bars       int       `json:"bars"`
	NewBars    int       `json:"new_bars"`
	FellBack   bool      `json:"fell_back"`
	Error      string    `json:"error,omitempty"`
	LastAction string    `json:"last_action,omitempty"`
	Trades     int       `json:"trades"`
	Equity     Float64   `json:"equity"`
}

// HTTPServer serves the latest cycle over HTTP.
type HTTPServer struct {
	echo    *echo.Echo
	addr    string
	started time.Time
	logger  zerolog.Logger

	mu    sync.RWMutex
	last  *session.CycleResult
	chart *session.CycleResult
}

// NewHTTPServer builds the router. metrics may be nil.
func NewHTTPServer(addr string, metrics http.Handler) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &HTTPServer{
		echo:    e,
		addr:    addr,
		started: time.Now().UTC(),
		logger:  utils.Component("http"),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogging)

	e.GET("/healthz", s.healthz)
	e.GET("/chart", s.getChart)
	e.GET("/cycle", s.getCycle)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	return s
}

func (s *HTTPServer) Name() string { return "http" }

// Report keeps the result. Failed cycles update /cycle but leave the chart on
// the last good series.
func (s *HTTPServer) Report(_ context.Context, res session.CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &res
	if res.Err == nil && res.Result != nil {
		s.chart = &res
	}
	return nil
}

// Handler exposes the router.
func (s *HTTPServer) Handler() http.Handler { return s.echo }

// Start listens in the background.
func (s *HTTPServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *HTTPServer) healthz(c echo.Context) error {
	s.mu.RLock()
	var cycles int64
	if s.last != nil {
		cycles = s.last.Seq
	}
	s.mu.RUnlock()
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"started_at": s.started,
		"cycles":     cycles,
	})
}

func (s *HTTPServer) getChart(c echo.Context) error {
	s.mu.RLock()
	res := s.chart
	s.mu.RUnlock()
	if res == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no completed cycle yet")
	}

	pos := position.Flat
	if last, ok := res.Result.Last(); ok {
		pos = last.Position
	}
	return c.JSON(http.StatusOK, ChartResponse{
		Symbol:   res.Symbol,
		Policy:   res.Result.Policy,
		Cycle:    res.Seq,
		Updated:  res.StartedAt.Add(res.Duration),
		Points:   Points(res.Result.Rows),
		Position: pos.String(),
	})
}

func (s *HTTPServer) getCycle(c echo.Context) error {
	s.mu.RLock()
	res := s.last
	s.mu.RUnlock()
	if res == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no cycle yet")
	}

	st := CycleStatus{
		Seq:        res.Seq,
		Symbol:     res.Symbol,
		Mode:       res.Mode,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
		Bars:       res.Bars,
		NewBars:    res.NewBars,
		FellBack:   res.FellBack,
	}
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	if res.Result != nil {
		st.Trades = res.Result.Trades
		st.Equity = Float64(res.Result.Equity)
		if last, ok := res.Result.Last(); ok {
			st.LastAction = last.Action.String()
		}
	}
	return c.JSON(http.StatusOK, st)
}

func (s *HTTPServer) requestLogging(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		req := c.Request()
		s.logger.Debug().
			Str("method", req.Method).
			Str("uri", req.RequestURI).
			Int("status", c.Response().Status).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}
