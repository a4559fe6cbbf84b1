package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/export"
	"presence/internal/metrics"
	"presence/internal/observability"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/store"
)

// Handler carries the dependencies shared by all HTTP endpoints.
type Handler struct {
	svc   *presence.Service
	q     queue.Queue
	cache *presence.OccupancyCache
	db    *store.DB
	rdb   *store.Redis
	log   *zap.Logger
	cfg   config.App
}

// New creates a handler. cache may be nil; occupancy reads then always hit
// Postgres.
func New(svc *presence.Service, q queue.Queue, cache *presence.OccupancyCache, db *store.DB, rdb *store.Redis, log *zap.Logger, cfg config.App) *Handler {
	return &Handler{svc: svc, q: q, cache: cache, db: db, rdb: rdb, log: log, cfg: cfg}
}

// ---------- Health and diagnostics ----------

func (h *Handler) Healthz(c *gin.Context) {
	redisHealthy := h.rdb.Healthy(c.Request.Context())
	dbHealthy := h.db != nil && h.db.Client.PingContext(c.Request.Context()) == nil
	status := http.StatusOK
	if !redisHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
}

// TestDB reports connectivity plus the number of configured spaces.
func (h *Handler) TestDB(c *gin.Context) {
	count, err := h.svc.Repo().CountSpaces(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"database_test": "failed", "space_count": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"database_test": "success", "space_count": count})
}

// DebugDB runs a trivial query and reports ping latency.
func (h *Handler) DebugDB(c *gin.Context) {
	ctx := c.Request.Context()
	start := nowFunc()
	pingErr := h.svc.Repo().Ping(ctx)
	metrics.ObserveDBPing(nowFunc().Sub(start))

	var one int
	queryErr := h.db.Client.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	c.JSON(http.StatusOK, gin.H{
		"debug_info": gin.H{
			"ping_success":         pingErr == nil,
			"simple_query_success": queryErr == nil && one == 1,
			"ping_duration":        nowFunc().Sub(start).String(),
		},
	})
}

// ---------- Pages ----------

// Index lists the available endpoints, the original service's default reply.
func (h *Handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Student Check-in System API",
		"endpoints": gin.H{
			"/web":                                "GET - Web interface for barcode scanning and check-ins",
			"/admin":                              "GET - Admin dashboard for monitoring and search",
			"/students":                           "GET - List all students",
			"/spaces":                             "GET - List all spaces",
			"/current-checkins":                   "GET - Show current check-ins",
			"/occupancy":                          "GET - Per-space occupancy summary",
			"/checkin-{student_number}-{space_id}":  "GET - Quick checkin (e.g. /checkin-12345-1)",
			"/checkout-{student_number}-{space_id}": "GET - Quick checkout (e.g. /checkout-12345-1)",
			"/search?q=":                          "GET - Search students by name or number",
			"/search-student?q=":                  "GET - Search with current location",
			"/bulk-checkout":                      "POST - Check out all students",
			"/init-db":                            "GET - Run migrations and seed default spaces",
			"/add-test-students":                  "GET - Add sample students",
			"/test-db":                            "GET - Test database connection",
			"/debug-db":                           "GET - Debug database connection",
		},
	})
}

// ---------- Students and spaces ----------

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.svc.Students(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if students == nil {
		students = []presence.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

func (h *Handler) ListSpaces(c *gin.Context) {
	spaces, err := h.svc.Spaces(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if spaces == nil {
		spaces = []presence.Space{}
	}
	c.JSON(http.StatusOK, gin.H{"spaces": spaces})
}

func (h *Handler) CurrentCheckins(c *gin.Context) {
	var spaceID *int64
	if v := c.Query("space_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid space_id"})
			return
		}
		spaceID = &parsed
	}
	checkins, err := h.svc.CurrentCheckIns(c.Request.Context(), spaceID)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if checkins == nil {
		checkins = []presence.CurrentCheckIn{}
	}
	c.JSON(http.StatusOK, gin.H{"current_checkins": checkins})
}

// Occupancy serves per-space counts from the worker-maintained Redis hash
// when it is populated, sparing the dashboard's 30s polling the LEFT JOIN
// count. An empty or unreachable cache falls back to Postgres.
func (h *Handler) Occupancy(c *gin.Context) {
	ctx := c.Request.Context()
	if h.cache != nil {
		if counts, err := h.cache.Snapshot(ctx); err == nil && len(counts) > 0 {
			spaces, err := h.svc.Spaces(ctx)
			if err == nil {
				summary := make([]presence.SpaceOccupancy, 0, len(spaces))
				for _, sp := range spaces {
					summary = append(summary, presence.SpaceOccupancy{
						SpaceID:      sp.ID,
						SpaceName:    sp.Name,
						Description:  sp.Description,
						CurrentCount: counts[sp.ID],
					})
				}
				c.JSON(http.StatusOK, gin.H{"occupancy": summary})
				return
			}
		}
	}
	summary, err := h.svc.Occupancy(ctx)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		summary = []presence.SpaceOccupancy{}
	}
	c.JSON(http.StatusOK, gin.H{"occupancy": summary})
}

// ---------- Check-in / check-out ----------

type checkinRequest struct {
	StudentNumber string `json:"student_number" binding:"required"`
	SpaceID       int64  `json:"space_id" binding:"required"`
}

// CheckIn handles the JSON POST form: no auto-move, a student already open
// in this space is rejected.
func (h *Handler) CheckIn(c *gin.Context) {
	var req checkinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	res, err := h.svc.CheckIn(c.Request.Context(), req.StudentNumber, req.SpaceID)
	if err != nil {
		h.presenceError(c, err)
		return
	}
	metrics.CheckIns.Inc()
	h.publish(c, queue.Event{
		Type: queue.TypeCheckIn, StudentNumber: req.StudentNumber,
		SpaceID: res.Space.ID, SpaceName: res.Space.Name, At: res.CheckIn.TimeIn,
	})
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Student " + req.StudentNumber + " checked into " + res.Space.Name,
	})
}

func (h *Handler) CheckOut(c *gin.Context) {
	var req checkinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	res, err := h.svc.CheckOut(c.Request.Context(), req.StudentNumber, req.SpaceID)
	if err != nil {
		h.presenceError(c, err)
		return
	}
	metrics.CheckOuts.Inc()
	h.publish(c, queue.Event{
		Type: queue.TypeCheckOut, StudentNumber: req.StudentNumber,
		SpaceID: res.Space.ID, SpaceName: res.Space.Name, At: nowFunc(),
	})
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Student " + req.StudentNumber + " checked out of " + res.Space.Name,
	})
}

// QuickCheckIn handles the kiosk dash path /checkin-{number}-{space_id}.
func (h *Handler) QuickCheckIn(c *gin.Context, studentNumber string, spaceID int64) {
	res, err := h.svc.QuickCheckIn(c.Request.Context(), studentNumber, spaceID)
	if err != nil {
		h.presenceError(c, err)
		return
	}
	metrics.CheckIns.Inc()
	evt := queue.Event{
		Type: queue.TypeCheckIn, StudentNumber: studentNumber,
		SpaceID: res.Space.ID, SpaceName: res.Space.Name, At: res.CheckIn.TimeIn,
	}
	message := "Student " + studentNumber + " (" + res.Student.Name + ") checked into " + res.Space.Name
	if res.Action == "moved" && res.PreviousSpaceID != nil {
		evt.Type = queue.TypeMoved
		evt.FromSpaceID = *res.PreviousSpaceID
		message = "Student " + studentNumber + " (" + res.Student.Name + ") moved from " +
			*res.PreviousLocation + " to " + res.Space.Name
	}
	h.publish(c, evt)
	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"message":           message,
		"student":           res.Student,
		"space":             res.Space,
		"previous_location": res.PreviousLocation,
		"action":            res.Action,
	})
}

// QuickCheckOut handles /checkout-{number}-{space_id}.
func (h *Handler) QuickCheckOut(c *gin.Context, studentNumber string, spaceID int64) {
	res, err := h.svc.CheckOut(c.Request.Context(), studentNumber, spaceID)
	if err != nil {
		h.presenceError(c, err)
		return
	}
	metrics.CheckOuts.Inc()
	h.publish(c, queue.Event{
		Type: queue.TypeCheckOut, StudentNumber: studentNumber,
		SpaceID: res.Space.ID, SpaceName: res.Space.Name, At: nowFunc(),
	})
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Student " + studentNumber + " (" + res.Student.Name + ") checked out of " + res.Space.Name,
		"student": res.Student,
		"space":   res.Space,
	})
}

func (h *Handler) BulkCheckout(c *gin.Context) {
	count, err := h.svc.BulkCheckout(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	metrics.BulkCheckouts.Inc()
	h.publish(c, queue.Event{Type: queue.TypeBulkCheckout, Count: count, At: nowFunc()})
	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"message":           "Successfully checked out " + strconv.FormatInt(count, 10) + " students",
		"checked_out_count": count,
	})
}

// ---------- Search ----------

// Search is the in-memory scan. Without a q parameter it degrades to the
// database connectivity test, which is what the original service did.
func (h *Handler) Search(c *gin.Context) {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		h.TestDB(c)
		return
	}
	results, err := h.svc.SearchLocal(c.Request.Context(), term)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	// The scan does not resolve locations; report the fixed placeholder.
	notCheckedIn := "Not checked in"
	for i := range results {
		results[i].CurrentLocation = &notCheckedIn
	}
	if results == nil {
		results = []presence.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success", "search_term": term, "results": results, "count": len(results),
	})
}

// SearchStudent is the SQL search with current-location annotation.
func (h *Handler) SearchStudent(c *gin.Context, term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Empty search term"})
		return
	}
	results, err := h.svc.SearchStudents(c.Request.Context(), term)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []presence.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success", "search_term": term, "results": results, "count": len(results),
	})
}

// ---------- Seeding and setup ----------

func (h *Handler) InitDB(c *gin.Context) {
	if err := store.Migrate(h.db.Client); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	added, err := h.svc.SeedSpaces(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"message":      "Database initialized successfully",
		"spaces_added": added,
	})
}

func (h *Handler) AddTestStudents(c *gin.Context) {
	added, err := h.svc.SeedSampleStudents(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if added == nil {
		added = []presence.Student{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"message":        "Added " + strconv.Itoa(len(added)) + " test students",
		"students_added": added,
	})
}

// ---------- Authenticated v1 API ----------

type registerKioskRequest struct {
	KioskID string `json:"kiosk_id" binding:"required"`
}

// RegisterKiosk issues a JWT pair for a kiosk device.
func (h *Handler) RegisterKiosk(c *gin.Context) {
	var req registerKioskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RegisterKiosk(c.Request.Context(), req.KioskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := auth.Issue(req.KioskID, auth.RoleKiosk, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.svc.Repo().SaveRefreshToken(c.Request.Context(), req.KioskID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		h.log.Warn("save refresh token failed", zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshKiosk rotates a kiosk's tokens. The presented refresh token must be
// valid, known, unexpired, and not previously rotated; it is revoked on use.
func (h *Handler) RefreshKiosk(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	claims, err := auth.Parse(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer)
	if err != nil || claims.Role != auth.RoleKiosk {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	stored, err := h.svc.Repo().GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if stored == nil || stored.Revoked || nowFunc().After(stored.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or expired"})
		return
	}

	tokens, err := auth.Issue(claims.KioskID, auth.RoleKiosk, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.svc.Repo().RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.svc.Repo().SaveRefreshToken(ctx, claims.KioskID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		h.log.Warn("save refresh token failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

type createStudentRequest struct {
	StudentNumber string `json:"student_number" binding:"required"`
	Name          string `json:"name" binding:"required"`
}

// CreateStudent stores a student with the name in obfuscated form.
func (h *Handler) CreateStudent(c *gin.Context) {
	var req createStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.svc.AddStudent(c.Request.Context(), req.StudentNumber, req.Name)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "student already exists: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, st)
}

// ListHistory returns check-in history with basic filters.
func (h *Handler) ListHistory(c *gin.Context) {
	studentNumber := c.Query("student_number")
	var spaceID int64
	if v := c.Query("space_id"); v != "" {
		spaceID, _ = strconv.ParseInt(v, 10, 64)
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	checkins, err := h.svc.History(c.Request.Context(), studentNumber, spaceID, limit, offset)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	if checkins == nil {
		checkins = []presence.CurrentCheckIn{}
	}
	c.JSON(http.StatusOK, gin.H{"checkins": checkins})
}

// ExportCheckins streams an xlsx workbook of current check-ins and history.
func (h *Handler) ExportCheckins(c *gin.Context) {
	ctx := c.Request.Context()
	current, err := h.svc.CurrentCheckIns(ctx, nil)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	history, err := h.svc.History(ctx, "", 0, 1000, 0)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	wb, err := export.NewCheckinsWorkbook(current, history)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	defer wb.File.Close()

	c.Header("Content-Disposition", `attachment; filename="`+export.FileName()+`"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := wb.File.Write(c.Writer); err != nil {
		h.log.Error("workbook write failed", zap.Error(err))
	}
}

// ---------- helpers ----------

func (h *Handler) publish(c *gin.Context, evt queue.Event) {
	if h.q == nil {
		return
	}
	if err := h.q.Publish(c.Request.Context(), evt); err != nil {
		h.log.Warn("queue publish failed", zap.Error(err))
	}
}

func (h *Handler) presenceError(c *gin.Context, err error) {
	switch err {
	case presence.ErrStudentNotFound:
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Student not found"})
	case presence.ErrSpaceNotFound:
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Space not found"})
	case presence.ErrAlreadyCheckedIn:
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Student already checked into this space"})
	case presence.ErrNotCheckedIn:
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Student not currently checked into this space"})
	default:
		h.fail(c, http.StatusInternalServerError, err)
	}
}

func (h *Handler) fail(c *gin.Context, status int, err error) {
	metrics.HandlerErrors.Inc()
	observability.CaptureErr(err)
	h.log.Error("handler error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(status, gin.H{"status": "error", "message": err.Error()})
}
