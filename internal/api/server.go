package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/oakbuilders/bid-finder/internal/auth"
	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/export"
	"github.com/oakbuilders/bid-finder/internal/ingest"
	"github.com/oakbuilders/bid-finder/internal/models"
)

// Store is the read/triage surface of db.Store used by the handlers.
type Store interface {
	Search(ctx context.Context, p db.SearchParams) ([]models.Opportunity, error)
	Get(ctx context.Context, id int64) (*models.Opportunity, error)
	Stats(ctx context.Context) (*db.Stats, error)
	UpdateStatus(ctx context.Context, id int64, status models.Status, notes *string) error
	RecentRuns(ctx context.Context, n int) ([]models.SearchRun, error)
	NewSinceLastNotification(ctx context.Context, minScore int) ([]models.Opportunity, error)
	RecordNotification(ctx context.Context, channel string, count int) (int64, error)
	Deduplicate(ctx context.Context) (int, error)
	RemoveExpired(ctx context.Context, today time.Time) (int, error)
}

type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.AuthResponse, error)
}

// RunController starts background runs and reports on them. *ingest.Runner implements it.
type RunController interface {
	Start(ctx context.Context) (string, error)
	Status() ingest.RunState
}

type Server struct {
	Config      *config.Config
	Store       Store
	AuthService Authenticator
	Runner      RunController
	Echo        *echo.Echo
}

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
	adminSecretErr     error
)

func NewServer(cfg *config.Config, store Store, authService Authenticator, runner RunController) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret", "X-Trigger-Key"},
	}))

	s := &Server{
		Config:      cfg,
		Store:       store,
		AuthService: authService,
		Runner:      runner,
		Echo:        e,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/stats", s.handleGetStats)
	api.GET("/runs", s.handleListRuns)
	api.GET("/sources", s.handleGetSources)
	api.GET("/export", s.handleExport)
	api.POST("/auth/login", s.handleLogin)

	protected := api.Group("")
	protected.Use(s.adminMiddleware)
	protected.POST("/run", s.handleStartRun)
	protected.GET("/run/status", s.handleRunStatus)
	protected.POST("/opportunities/:id/status", s.handleUpdateStatus)
	protected.GET("/notifications/pending", s.handlePendingNotifications)
	protected.POST("/notifications/mark", s.handleMarkNotified)
	protected.POST("/maintenance/expire", s.handleRemoveExpired)
	protected.POST("/maintenance/dedup", s.handleDeduplicate)
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.AuthService == nil {
		return jsonError(c, http.StatusServiceUnavailable, "Reviewer login is not configured")
	}
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request")
	}

	resp, err := s.AuthService.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			return jsonError(c, http.StatusUnauthorized, "Invalid credentials")
		}
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// searchParams reads the shared filter query parameters.
func searchParams(c echo.Context) (db.SearchParams, error) {
	p := db.SearchParams{
		ProjectType: c.QueryParam("type"),
		Source:      c.QueryParam("source"),
		Status:      c.QueryParam("status"),
		Keyword:     c.QueryParam("q"),
		Location:    c.QueryParam("location"),
		County:      c.QueryParam("county"),
		City:        c.QueryParam("city"),
	}
	if p.Status != "" && !models.Status(p.Status).Valid() {
		return p, fmt.Errorf("unknown status %q", p.Status)
	}
	if v := c.QueryParam("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return p, fmt.Errorf("min_score must be an integer between 0 and 100")
		}
		p.MinScore = n
	}
	if v := c.QueryParam("due_after"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return p, fmt.Errorf("due_after must be YYYY-MM-DD")
		}
		p.DueAfter = &t
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		p.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		p.Offset = o
	}
	return p, nil
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params, err := searchParams(c)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if params.Limit == 0 {
		params.Limit = 50
	}

	opps, err := s.Store.Search(c.Request().Context(), params)
	if err != nil {
		c.Logger().Errorf("Failed to list opportunities: %v", err)
		return jsonError(c, http.StatusInternalServerError, "Internal Server Error")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"opportunities": opps,
		"count":         len(opps),
		"limit":         params.Limit,
		"offset":        params.Offset,
	})
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	opp, err := s.Store.Get(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return jsonError(c, http.StatusNotFound, "Not found")
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.Store.Stats(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 10
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	runs, err := s.Store.RecentRuns(c.Request().Context(), limit)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

type sourceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Adapter string `json:"adapter"`
	Enabled bool   `json:"enabled"`
	Tier    int    `json:"tier,omitempty"`
	Cost    string `json:"cost,omitempty"`
	State   string `json:"state,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (s *Server) handleGetSources(c echo.Context) error {
	out := make([]sourceInfo, 0, len(s.Config.Sources))
	for _, src := range s.Config.Sources {
		out = append(out, sourceInfo{
			ID:      src.ID,
			Name:    src.Name,
			Adapter: ingest.GlobalAdapterFactory.Resolve(src),
			Enabled: src.Enabled,
			Tier:    src.Tier,
			Cost:    src.Cost,
			State:   src.State,
			URL:     src.BaseURL,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleExport(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return jsonError(c, http.StatusBadRequest, "format must be csv or json")
	}
	params, err := searchParams(c)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if params.Limit == 0 {
		params.Limit = 500
	}

	opps, err := s.Store.Search(c.Request().Context(), params)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	now := time.Now()
	res := c.Response()
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", export.Filename(format, now)))
	if format == "json" {
		res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
		res.WriteHeader(http.StatusOK)
		return export.WriteJSON(res, opps, now)
	}
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.WriteHeader(http.StatusOK)
	return export.WriteCSV(res, opps)
}

func (s *Server) handleStartRun(c echo.Context) error {
	id, err := s.Runner.Start(c.Request().Context())
	if errors.Is(err, ingest.ErrRunInProgress) {
		return c.JSON(http.StatusConflict, map[string]string{
			"status": "already_running",
			"run_id": id,
		})
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "started",
		"run_id": id,
		"poll":   "/api/v1/run/status",
	})
}

func (s *Server) handleRunStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Runner.Status())
}

type statusRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes"`
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request")
	}

	err = s.Store.UpdateStatus(c.Request().Context(), id, models.Status(req.Status), req.Notes)
	switch {
	case errors.Is(err, db.ErrInvalidStatus):
		return jsonError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrNotFound):
		return jsonError(c, http.StatusNotFound, "Not found")
	case err != nil:
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func (s *Server) handlePendingNotifications(c echo.Context) error {
	minScore := s.Config.Notifications.MinScore
	if v, err := strconv.Atoi(c.QueryParam("min_score")); err == nil && v >= 0 {
		minScore = v
	}
	opps, err := s.Store.NewSinceLastNotification(c.Request().Context(), minScore)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"min_score":     minScore,
		"count":         len(opps),
		"opportunities": opps,
	})
}

type markRequest struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
}

func (s *Server) handleMarkNotified(c echo.Context) error {
	var req markRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request")
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" || req.Count < 0 {
		return jsonError(c, http.StatusBadRequest, "channel is required and count must not be negative")
	}
	id, err := s.Store.RecordNotification(c.Request().Context(), req.Channel, req.Count)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleRemoveExpired(c echo.Context) error {
	removed, err := s.Store.RemoveExpired(c.Request().Context(), models.Today())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	log.Printf("[maintenance] removed %d expired opportunities", removed)
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDeduplicate(c echo.Context) error {
	removed, err := s.Store.Deduplicate(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	log.Printf("[maintenance] removed %d duplicate opportunities", removed)
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func secretEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// adminMiddleware admits the admin secret (header or bearer), the cron
// trigger key, or a reviewer JWT.
func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := adminSecret()
		if err != nil {
			return jsonError(c, http.StatusInternalServerError, "Server admin configuration error")
		}

		req := c.Request()
		if secretEqual(req.Header.Get("X-Admin-Secret"), secret) {
			return next(c)
		}
		if key := strings.TrimSpace(os.Getenv("TRIGGER_KEY")); key != "" {
			if secretEqual(req.Header.Get("X-Trigger-Key"), key) || secretEqual(c.QueryParam("key"), key) {
				return next(c)
			}
		}
		if token, ok := auth.BearerToken(req.Header.Get("Authorization")); ok {
			if secretEqual(token, secret) {
				return next(c)
			}
			if id, err := auth.ParseToken(token); err == nil {
				c.Set(string(auth.UserIDKey), id)
				return next(c)
			}
		}

		return jsonError(c, http.StatusUnauthorized, "Unauthorized")
	}
}

func adminSecret() (string, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = secret
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return "", adminSecretErr
	}
	if adminSecretRuntime == "" {
		return "", fmt.Errorf("admin secret unavailable")
	}

	return adminSecretRuntime, nil
}
