package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/factoryscout/factoryscout/config"
	"github.com/factoryscout/factoryscout/internal/index"
	"github.com/factoryscout/factoryscout/internal/store"
	"github.com/factoryscout/factoryscout/internal/synth"
)

// Storage is the read side of the run store consumed by the API.
type Storage interface {
	LatestReport(ctx context.Context) (*synth.Report, error)
	ReportsBetween(ctx context.Context, from, to time.Time) ([]*synth.Report, error)
	ReportByRun(ctx context.Context, runID string) (*synth.Report, error)
	LoadRun(ctx context.Context, id string) (store.RunRecord, error)
}

// Searcher answers keyword queries over normalized records.
type Searcher interface {
	Search(q string, limit int) ([]index.Hit, error)
}

// Server exposes stored reports and runs to downstream agents, read only.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	store  Storage
	search Searcher // optional
	logger *log.Logger
}

func New(cfg config.ServerConfig, st Storage, search Searcher) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		search: search,
		logger: log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]any{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", authMiddleware([]byte(cfg.JWTSecret)))
	api.GET("/reports/latest", s.latestReport)
	api.GET("/reports", s.reportsBetween)
	api.GET("/runs/:id", s.runByID)
	api.GET("/runs/:id/report", s.reportByRun)
	api.GET("/search", s.searchRecords)

	s.echo = e
	return s
}

// Start blocks serving HTTP until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start(s.cfg.Address) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routing tree. Used by tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) latestReport(c echo.Context) error {
	report, err := s.store.LatestReport(c.Request().Context())
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no reports yet")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) reportsBetween(c echo.Context) error {
	from, err := parseDate(c.QueryParam("from"), time.Time{})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
	}
	to, err := parseDate(c.QueryParam("to"), time.Now().UTC())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
	}
	reports, err := s.store.ReportsBetween(c.Request().Context(), from, to)
	if err != nil {
		return err
	}
	if reports == nil {
		reports = []*synth.Report{}
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) runByID(c echo.Context) error {
	run, err := s.store.LoadRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) reportByRun(c echo.Context) error {
	report, err := s.store.ReportByRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) searchRecords(c echo.Context) error {
	if s.search == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "keyword index disabled")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing q parameter")
	}
	hits, err := s.search.Search(q, 20)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hits)
}

func parseDate(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", s)
}
