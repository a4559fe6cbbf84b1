package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("kiosk-1", RoleKiosk, "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := Parse(pair.AccessToken, "secret", "presence-service")
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.KioskID)
	assert.Equal(t, RoleKiosk, claims.Role)
	assert.Equal(t, "kiosk-1", claims.Subject)
}

func TestIssueProducesDistinctTokens(t *testing.T) {
	first, err := Issue("kiosk-1", RoleKiosk, "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)
	second, err := Issue("kiosk-1", RoleKiosk, "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	// Rotation revokes by token value; back-to-back issues must not collide.
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, first.RefreshToken)
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("kiosk-1", RoleKiosk, "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "other-secret", "presence-service")
	assert.Error(t, err)
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue("kiosk-1", RoleKiosk, "someone-else", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "secret", "presence-service")
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("kiosk-1", RoleKiosk, "presence-service", "secret", -time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "secret", "presence-service")
	assert.Error(t, err)
}

func TestKioskAuthRejectsWrongRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(KioskAuth("secret", "presence-service"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	pair, err := Issue("someone", "admin", "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestKioskAuthSetsKioskID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(KioskAuth("secret", "presence-service"))
	var got string
	r.GET("/", func(c *gin.Context) {
		got = c.GetString("kiosk_id")
		c.Status(http.StatusOK)
	})

	pair, err := Issue("front-desk-1", RoleKiosk, "presence-service", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "front-desk-1", got)
}
