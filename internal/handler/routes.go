package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"presence/internal/auth"
	"presence/internal/metrics"
	"presence/internal/web"
)

var nowFunc = time.Now

// Register wires every route onto the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/web", h.Kiosk)
	r.GET("/admin", h.Admin)

	r.GET("/students", h.ListStudents)
	r.GET("/spaces", h.ListSpaces)
	r.GET("/current-checkins", h.CurrentCheckins)
	r.GET("/occupancy", h.Occupancy)

	r.POST("/checkin", h.CheckIn)
	r.POST("/checkout", h.CheckOut)
	r.POST("/bulk-checkout", h.BulkCheckout)

	r.GET("/search", h.Search)
	r.GET("/search-student", func(c *gin.Context) { h.SearchStudent(c, c.Query("q")) })

	r.GET("/init-db", h.InitDB)
	r.GET("/add-test-students", h.AddTestStudents)
	r.GET("/test-db", h.TestDB)
	r.GET("/debug-db", h.DebugDB)

	v1 := r.Group("/v1")
	v1.POST("/kiosks/register", h.RegisterKiosk)
	v1.POST("/kiosks/refresh", h.RefreshKiosk)

	protected := v1.Group("")
	protected.Use(auth.KioskAuth(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	protected.POST("/students", h.CreateStudent)
	protected.GET("/checkins", h.ListHistory)
	protected.GET("/export/checkins.xlsx", h.ExportCheckins)

	// Kiosk quick paths like /checkin-12345-1 cannot be expressed as gin
	// route parameters, so they go through the fallback dispatcher.
	r.NoRoute(h.Dispatch)
}

func (h *Handler) Kiosk(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.KioskPage)
}

func (h *Handler) Admin(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.AdminPage)
}

// Dispatch handles the dash-separated kiosk paths and falls back to the
// endpoint index for anything unknown. A path that names a quick action but
// fails to parse is a client error, not an unknown route.
func (h *Handler) Dispatch(c *gin.Context) {
	path := c.Request.URL.Path
	if c.Request.Method == http.MethodGet {
		for prefix, quick := range map[string]func(*gin.Context, string, int64){
			"/checkin-":  h.QuickCheckIn,
			"/checkout-": h.QuickCheckOut,
		} {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			number, spaceID, ok := parseQuickPath(path, prefix)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{
					"status":  "error",
					"message": "Invalid format. Use: " + prefix + "{student_number}-{space_id}",
				})
				return
			}
			quick(c, number, spaceID)
			return
		}
		if term, ok := strings.CutPrefix(path, "/search-student-"); ok {
			h.SearchStudent(c, term)
			return
		}
	}
	h.Index(c)
}

// parseQuickPath splits "/checkin-12345-1" into its student number and
// space id. Student numbers containing dashes are not supported on this
// form; the JSON endpoints accept them.
func parseQuickPath(path, prefix string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return "", 0, false
	}
	parts := strings.Split(rest, "-")
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, false
	}
	spaceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], spaceID, true
}
