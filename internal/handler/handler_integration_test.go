//go:build testutil
// +build testutil

package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presence/internal/config"
	"presence/internal/handler"
	"presence/internal/namecipher"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/testutil/testdb"
	"presence/internal/testutil/testredis"
)

type testAPI struct {
	engine *gin.Engine
	q      *queue.InMemory
	cache  *presence.OccupancyCache
	repo   *presence.Repository
}

func newTestAPI(t *testing.T) *testAPI {
	return buildTestAPI(t, false)
}

// newTestAPIWithCache also starts a Redis container backing the occupancy cache.
func newTestAPIWithCache(t *testing.T) *testAPI {
	return buildTestAPI(t, true)
}

func buildTestAPI(t *testing.T, withCache bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handle, err := testdb.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(handle.Close)

	cfg := config.App{
		JWTIssuer:     "presence-service",
		JWTSigningKey: "test-signing-key",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		NameCipherKey: "checkin-system-2024",
	}
	cipher, err := namecipher.New(cfg.NameCipherKey)
	require.NoError(t, err)

	db := &store.DB{Client: handle.DB}
	repo := presence.NewRepository(handle.DB)
	svc := presence.NewService(repo, cipher)
	q := queue.NewInMemory(64)

	var cache *presence.OccupancyCache
	if withCache {
		rh, err := testredis.Start(context.Background())
		require.NoError(t, err)
		t.Cleanup(rh.Close)
		cache = presence.NewOccupancyCache(rh.Client)
	}

	r := gin.New()
	h := handler.New(svc, q, cache, db, store.NewRedis("127.0.0.1:1", "", 0), zap.NewNop(), cfg)
	h.Register(r)
	return &testAPI{engine: r, q: q, cache: cache, repo: repo}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var parsed map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	return w.Code, parsed
}

func (a *testAPI) seed(t *testing.T) int64 {
	t.Helper()
	code, _ := a.do(t, http.MethodGet, "/init-db", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/add-test-students", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := a.do(t, http.MethodGet, "/spaces", nil)
	require.Equal(t, http.StatusOK, code)
	spaces := body["spaces"].([]any)
	require.Len(t, spaces, 3)
	return int64(spaces[0].(map[string]any)["space_id"].(float64))
}

func TestQuickCheckinFlow(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	code, body := api.do(t, http.MethodGet, fmt.Sprintf("/checkin-12345-%d", spaceID), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "checked_in", body["action"])
	assert.Contains(t, body["message"], "Alice Johnson")

	// Already in this space.
	code, body = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-12345-%d", spaceID), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", body["status"])

	// Moving to another space reports where from.
	_, spacesBody := api.do(t, http.MethodGet, "/spaces", nil)
	other := int64(spacesBody["spaces"].([]any)[1].(map[string]any)["space_id"].(float64))
	code, body = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-12345-%d", other), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "moved", body["action"])
	assert.NotNil(t, body["previous_location"])

	code, body = api.do(t, http.MethodGet, fmt.Sprintf("/checkout-12345-%d", other), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])

	// Unknown student on the quick path.
	code, body = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-99999-%d", spaceID), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Student not found", body["message"])
}

func TestJSONCheckinEndpoints(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	code, body := api.do(t, http.MethodPost, "/checkin",
		map[string]any{"student_number": "23456", "space_id": spaceID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])

	code, body = api.do(t, http.MethodGet, "/current-checkins", nil)
	require.Equal(t, http.StatusOK, code)
	checkins := body["current_checkins"].([]any)
	require.Len(t, checkins, 1)
	assert.Equal(t, "Bob Smith", checkins[0].(map[string]any)["name"])

	code, body = api.do(t, http.MethodPost, "/checkout",
		map[string]any{"student_number": "23456", "space_id": spaceID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])

	// Missing body fields.
	code, _ = api.do(t, http.MethodPost, "/checkin", map[string]any{"student_number": "23456"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSearchEndpoints(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	code, body := api.do(t, http.MethodGet, "/search?q=alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	// Without q, /search degrades to the connectivity test.
	code, body = api.do(t, http.MethodGet, "/search", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["database_test"])

	_, _ = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-34567-%d", spaceID), nil)

	code, body = api.do(t, http.MethodGet, "/search-student?q=34567", nil)
	require.Equal(t, http.StatusOK, code)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.NotNil(t, results[0].(map[string]any)["current_location"])

	// Dash form routes through the fallback dispatcher.
	code, body = api.do(t, http.MethodGet, "/search-student-34567", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestBulkCheckoutEndpoint(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	for _, n := range []string{"12345", "23456"} {
		code, _ := api.do(t, http.MethodGet, fmt.Sprintf("/checkin-%s-%d", n, spaceID), nil)
		require.Equal(t, http.StatusOK, code)
	}

	code, body := api.do(t, http.MethodPost, "/bulk-checkout", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["checked_out_count"])

	code, body = api.do(t, http.MethodGet, "/occupancy", nil)
	require.Equal(t, http.StatusOK, code)
	for _, so := range body["occupancy"].([]any) {
		assert.Equal(t, float64(0), so.(map[string]any)["current_count"])
	}
}

func TestDiagnosticsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t)

	code, body := api.do(t, http.MethodGet, "/test-db", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["database_test"])
	assert.Equal(t, float64(3), body["space_count"])

	code, body = api.do(t, http.MethodGet, "/debug-db", nil)
	require.Equal(t, http.StatusOK, code)
	debug := body["debug_info"].(map[string]any)
	assert.Equal(t, true, debug["ping_success"])
	assert.Equal(t, true, debug["simple_query_success"])
}

func TestKioskRegistrationAndProtectedRoutes(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	code, body := api.do(t, http.MethodPost, "/v1/kiosks/register",
		map[string]any{"kiosk_id": "front-desk-1"})
	require.Equal(t, http.StatusCreated, code)
	token := body["access_token"].(string)
	require.NotEmpty(t, token)
	require.NotEmpty(t, body["refresh_token"])

	authed := func(method, path string, payload any) (int, map[string]any) {
		var buf bytes.Buffer
		if payload != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(payload))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		api.engine.ServeHTTP(w, req)
		var parsed map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
		return w.Code, parsed
	}

	code, created := authed(http.MethodPost, "/v1/students",
		map[string]any{"student_number": "77777", "name": "Grace Hopper"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "Grace Hopper", created["name"])

	code, _ = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-77777-%d", spaceID), nil)
	require.Equal(t, http.StatusOK, code)

	code, history := authed(http.MethodGet, "/v1/checkins?student_number=77777", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, history["checkins"].([]any), 1)

	// Export streams a real workbook.
	req := httptest.NewRequest(http.MethodGet, "/v1/export/checkins.xlsx", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.Greater(t, w.Body.Len(), 1000)
}

func TestMutationsPublishEvents(t *testing.T) {
	api := newTestAPI(t)
	spaceID := api.seed(t)

	code, _ := api.do(t, http.MethodGet, fmt.Sprintf("/checkin-12345-%d", spaceID), nil)
	require.Equal(t, http.StatusOK, code)

	_, spacesBody := api.do(t, http.MethodGet, "/spaces", nil)
	other := int64(spacesBody["spaces"].([]any)[1].(map[string]any)["space_id"].(float64))
	code, _ = api.do(t, http.MethodGet, fmt.Sprintf("/checkin-12345-%d", other), nil)
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := api.q.Consume(ctx)
	require.NoError(t, err)

	next := func() queue.Event {
		select {
		case evt := <-events:
			return evt
		case <-ctx.Done():
			t.Fatal("no event published")
			return queue.Event{}
		}
	}

	first := next()
	assert.Equal(t, queue.TypeCheckIn, first.Type)
	assert.Equal(t, "12345", first.StudentNumber)
	assert.Equal(t, spaceID, first.SpaceID)

	// The move event carries the space the student left so the cache can
	// decrement it.
	second := next()
	assert.Equal(t, queue.TypeMoved, second.Type)
	assert.Equal(t, other, second.SpaceID)
	assert.Equal(t, spaceID, second.FromSpaceID)
}

func TestOccupancyServedFromCache(t *testing.T) {
	api := newTestAPIWithCache(t)
	api.seed(t)
	ctx := context.Background()

	// Empty cache falls back to Postgres.
	code, body := api.do(t, http.MethodGet, "/occupancy", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["occupancy"].([]any), 3)

	// Once populated, counts come from the hash: plant a value Postgres
	// does not have and watch it surface.
	require.NoError(t, api.cache.Resync(ctx, api.repo))
	_, spacesBody := api.do(t, http.MethodGet, "/spaces", nil)
	firstSpace := int64(spacesBody["spaces"].([]any)[0].(map[string]any)["space_id"].(float64))
	require.NoError(t, api.cache.Incr(ctx, firstSpace, 5))

	code, body = api.do(t, http.MethodGet, "/occupancy", nil)
	require.Equal(t, http.StatusOK, code)
	counts := map[int64]float64{}
	for _, so := range body["occupancy"].([]any) {
		m := so.(map[string]any)
		counts[int64(m["space_id"].(float64))] = m["current_count"].(float64)
	}
	assert.Equal(t, float64(5), counts[firstSpace])
}

func TestKioskTokenRotation(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t)

	code, body := api.do(t, http.MethodPost, "/v1/kiosks/register",
		map[string]any{"kiosk_id": "front-desk-2"})
	require.Equal(t, http.StatusCreated, code)
	refresh := body["refresh_token"].(string)

	code, rotated := api.do(t, http.MethodPost, "/v1/kiosks/refresh",
		map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, rotated["access_token"])
	require.NotEmpty(t, rotated["refresh_token"])

	// Rotation revokes the presented token; replaying it fails.
	code, body = api.do(t, http.MethodPost, "/v1/kiosks/refresh",
		map[string]any{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, body["error"], "revoked")

	// Garbage tokens are rejected outright.
	code, _ = api.do(t, http.MethodPost, "/v1/kiosks/refresh",
		map[string]any{"refresh_token": "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, code)
}
