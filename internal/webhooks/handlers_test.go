package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, validator func(string) error) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store, newTestDispatcher(store), validator)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, store
}

func request(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListGetDelete(t *testing.T) {
	r, store := setupRouter(t, nil)

	w := request(r, http.MethodPost, "/v1/webhooks", gin.H{
		"url":       "https://hooks.example.com/risk",
		"events":    []string{"transaction.flagged", "model.trained"},
		"min_level": "critical",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook map[string]any `json:"webhook"`
		Secret  string         `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, created.Webhook, "secret")
	assert.Equal(t, "Critical", created.Webhook["min_level"])
	id, _ := created.Webhook["id"].(string)
	require.NotEmpty(t, id)

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = request(r, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = request(r, http.MethodGet, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(r, http.MethodDelete, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = request(r, http.MethodDelete, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(r, http.MethodGet, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateDefaults(t *testing.T) {
	r, store := setupRouter(t, nil)

	w := request(r, http.MethodPost, "/v1/webhooks", gin.H{"url": "https://hooks.example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	subs, _ := store.List(t.Context())
	require.Len(t, subs, 1)
	assert.Equal(t, []EventType{EventTransactionFlagged}, subs[0].Events)
	assert.Equal(t, "High", string(subs[0].MinLevel))
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupRouter(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing url", gin.H{}},
		{"bad scheme", gin.H{"url": "ftp://example.com"}},
		{"unknown event", gin.H{"url": "https://example.com", "events": []string{"payment.received"}}},
		{"ping not subscribable", gin.H{"url": "https://example.com", "events": []string{"ping"}}},
		{"bad level", gin.H{"url": "https://example.com", "min_level": "extreme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(r, http.MethodPost, "/v1/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateRejectsBlockedURL(t *testing.T) {
	r, store := setupRouter(t, func(string) error { return errors.New("endpoint not allowed") })

	w := request(r, http.MethodPost, "/v1/webhooks", gin.H{"url": "http://10.0.0.1/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")

	subs, _ := store.List(t.Context())
	assert.Empty(t, subs)
}

func TestHandler_TestDelivery(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()

	r, store := setupRouter(t, nil)
	_ = store.Create(t.Context(), newSub("good", ok.URL, EventTransactionFlagged))
	_ = store.Create(t.Context(), newSub("bad", failing.URL, EventTransactionFlagged))

	w := request(r, http.MethodPost, "/v1/webhooks/good/test", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = request(r, http.MethodPost, "/v1/webhooks/bad/test", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = request(r, http.MethodPost, "/v1/webhooks/missing/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
