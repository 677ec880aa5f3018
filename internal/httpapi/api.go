// Package httpapi exposes the operator-facing HTTP surface: health,
// live directory/queue statistics, a rehash trigger, server-notice mask
// subscription for operators, and whowas lookups. It runs on its own TCP
// port, separate from the IRC listener, and never touches daemon state
// directly — every read and mutation goes through the callbacks the daemon
// installs, funneled into the single-threaded event loop.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/ncruces/go-strftime"

	"ircd/internal/directory"
	"ircd/internal/send"
)

// Stats is the snapshot reported by GET /api/stats, filled by the daemon's
// StatsFunc inside the event loop so the numbers are mutually consistent.
type Stats struct {
	ServerName  string
	Started     time.Time
	Entities    int
	LocalUsers  int
	Servers     int
	Channels    int
	PoolLive    int
	PoolCap     int
	BytesOut    uint64
	QueuedBytes int
}

// Hooks are the callbacks the daemon installs. Each runs (or schedules
// onto) the event loop; none is invoked concurrently with another by this
// package beyond what net/http does, so the funneling discipline is the
// daemon's to uphold, same as config.WatchFile's onChange.
type Hooks struct {
	Stats     func() Stats
	Rehash    func() error
	Subscribe func(numnick string, mask send.SNOMask) error
	Whowas    func(nick string, count int) []directory.WhowasEntry
}

// APIServer serves the admin endpoints over echo.
type APIServer struct {
	hooks Hooks
	echo  *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(hooks Hooks) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{hooks: hooks, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.POST("/api/rehash", s.handleRehash)
	s.echo.POST("/api/sno", s.handleSno)
	s.echo.GET("/api/whowas/:nick", s.handleWhowas)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// Handler exposes the underlying http.Handler for tests.
func (s *APIServer) Handler() http.Handler { return s.echo }

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	st := s.hooks.Stats()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Clients: st.LocalUsers})
}

// StatsResponse is the payload for GET /api/stats.
type StatsResponse struct {
	ServerName  string `json:"server_name"`
	Started     string `json:"started"`
	Uptime      string `json:"uptime"`
	Entities    int    `json:"entities"`
	LocalUsers  int    `json:"local_users"`
	Servers     int    `json:"servers"`
	Channels    int    `json:"channels"`
	PoolLive    int    `json:"pool_live"`
	PoolCap     int    `json:"pool_cap"`
	BytesOut    string `json:"bytes_out"`
	QueuedBytes string `json:"queued_bytes"`
}

func (s *APIServer) handleStats(c echo.Context) error {
	st := s.hooks.Stats()
	return c.JSON(http.StatusOK, StatsResponse{
		ServerName:  st.ServerName,
		Started:     strftime.Format("%Y-%m-%d %H:%M:%S", st.Started.UTC()),
		Uptime:      humanize.RelTime(st.Started, time.Now(), "", ""),
		Entities:    st.Entities,
		LocalUsers:  st.LocalUsers,
		Servers:     st.Servers,
		Channels:    st.Channels,
		PoolLive:    st.PoolLive,
		PoolCap:     st.PoolCap,
		BytesOut:    humanize.Bytes(st.BytesOut),
		QueuedBytes: humanize.Bytes(uint64(st.QueuedBytes)),
	})
}

func (s *APIServer) handleRehash(c echo.Context) error {
	if err := s.hooks.Rehash(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "rehashed"})
}

// SnoRequest is the body for POST /api/sno.
type SnoRequest struct {
	Numnick string `json:"numnick"`
	Mask    uint32 `json:"mask"`
}

func (s *APIServer) handleSno(c echo.Context) error {
	var req SnoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Numnick == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "numnick is required")
	}
	if err := s.hooks.Subscribe(req.Numnick, send.SNOMask(req.Mask)); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "subscribed"})
}

// WhowasResponse is one element of the GET /api/whowas/:nick array.
type WhowasResponse struct {
	Nick     string `json:"nick"`
	Username string `json:"username"`
	Host     string `json:"host"`
	Realname string `json:"realname"`
	Departed string `json:"departed"`
}

func (s *APIServer) handleWhowas(c echo.Context) error {
	nick := c.Param("nick")
	entries := s.hooks.Whowas(nick, 0)
	out := make([]WhowasResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, WhowasResponse{
			Nick:     e.Nick,
			Username: e.Username,
			Host:     e.Host,
			Realname: e.Realname,
			Departed: strftime.Format("%Y-%m-%d %H:%M:%S", time.Unix(e.Recorded, 0).UTC()),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
