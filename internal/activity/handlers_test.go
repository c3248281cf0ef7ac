package activity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	seedEntries(t, store)

	h := NewHandler(store)
	h.now = func() time.Time { return time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) }

	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1"))
	return r
}

type listResponse struct {
	Entries    []Entry `json:"entries"`
	Count      int     `json:"count"`
	NextCursor string  `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

func TestHandler_ListActivity_Paginates(t *testing.T) {
	router := setupHandlerTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/activity?limit=3", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page1 listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Equal(t, 3, page1.Count)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextCursor)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/activity?limit=3&cursor="+url.QueryEscape(page1.NextCursor), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page2 listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Equal(t, 1, page2.Count)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "01", page2.Entries[0].ID)
}

func TestHandler_ListActivity_DateOnlyUpperBoundCoversDay(t *testing.T) {
	router := setupHandlerTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/activity?from=2026-03-10&to=2026-03-10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
}

func TestHandler_ListActivity_BadFilters(t *testing.T) {
	router := setupHandlerTestRouter(t)

	for _, q := range []string{"severity=loud", "action=teleport", "from=yesterday", "limit=ten", "cursor=%25%25"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/activity?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "invalid_filter", resp["error"])
	}
}

func TestHandler_GetStats(t *testing.T) {
	router := setupHandlerTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/activity/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp.Stats.Total)
	assert.Equal(t, int64(2), resp.Stats.ErrorCount)
	assert.Equal(t, int64(3), resp.Stats.TodayCount)
}
