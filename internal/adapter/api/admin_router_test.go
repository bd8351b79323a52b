package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/sbs-relay/internal/adapter/api/middleware"
	"github.com/V4T54L/sbs-relay/internal/domain"
	"github.com/V4T54L/sbs-relay/internal/domain/mocks"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

const scenarioLine = "MSG,3,1,1,4CA2C4,1,2024/06/01,12:00:00.000,2024/06/01,12:00:00.005,,38000,,,51.5,-0.1,,,,,,0"

func newTestRouter(t *testing.T, repo *mocks.MockStreamAdminRepository, cache *mocks.MockLastSeenCache, apiKey string) http.Handler {
	t.Helper()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	return NewAdminRouter(RouterDeps{
		Admin:    usecase.NewAdminStreamUseCase(repo),
		LastSeen: usecase.NewLastSeenUseCase(cache),
		Gatherer: reg,
		APIKey:   apiKey,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, reader))
	return rr
}

func TestAdminRouter_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &mocks.MockStreamAdminRepository{}, &mocks.MockLastSeenCache{}, "")

	rr := serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = serve(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_total")
}

func TestAdminRouter_LastSeen(t *testing.T) {
	cache := &mocks.MockLastSeenCache{}
	router := newTestRouter(t, &mocks.MockStreamAdminRepository{}, cache, "")

	rr := serve(router, http.MethodGet, "/last-seen", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, cache.SetLast(context.Background(), scenarioLine))
	rr = serve(router, http.MethodGet, "/last-seen", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Line   string         `json:"line"`
		Report map[string]any `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, scenarioLine, body.Line)
	assert.Equal(t, "4CA2C4", body.Report["hex_ident"])
	assert.Equal(t, float64(38000), body.Report["altitude"])

	cache.GetErr = errors.New("redis down")
	rr = serve(router, http.MethodGet, "/last-seen", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAdminRouter_StreamRoutes(t *testing.T) {
	repo := &mocks.MockStreamAdminRepository{
		Groups:    []domain.ConsumerGroupInfo{{Name: "adsb-processors", Pending: 2}},
		Summary:   &domain.PendingMessageSummary{Total: 2},
		Claimed:   []domain.Delivery{{ID: "1-0", Line: "STA", Attempts: 3}},
		Entries:   []domain.StreamEntry{{ID: "5-0", Fields: map[string]string{"line": "STA", "reason": "bad date"}}},
		AckCount:  1,
		TrimCount: 7,
	}
	router := newTestRouter(t, repo, &mocks.MockLastSeenCache{}, "")

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "groups",
			method:     http.MethodGet,
			target:     "/admin/streams/adsb_data/groups",
			wantStatus: http.StatusOK,
			wantBody:   `[{"name":"adsb-processors","consumers":0,"pending":2,"last_delivered_id":""}]`,
		},
		{
			name:       "pending summary",
			method:     http.MethodGet,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/pending",
			wantStatus: http.StatusOK,
			wantBody:   `{"total":2}`,
		},
		{
			name:       "pending messages bad count",
			method:     http.MethodGet,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/pending/messages?count=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "dead-letter entries",
			method:     http.MethodGet,
			target:     "/admin/streams/adsb_data_dlq/entries?count=10",
			wantStatus: http.StatusOK,
			wantBody:   `[{"id":"5-0","fields":{"line":"STA","reason":"bad date"}}]`,
		},
		{
			name:       "claim",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/claim",
			body:       `{"consumer":"operator","min_idle_time":"1m","message_ids":["1-0"]}`,
			wantStatus: http.StatusOK,
			wantBody:   `[{"ID":"1-0","Line":"STA","Attempts":3}]`,
		},
		{
			name:       "claim bad duration",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/claim",
			body:       `{"consumer":"operator","min_idle_time":"soon","message_ids":["1-0"]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "ack",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/ack",
			body:       `{"message_ids":["1-0"]}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"acknowledged":1}`,
		},
		{
			name:       "ack empty",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/groups/adsb-processors/ack",
			body:       `{"message_ids":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "trim",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/trim",
			body:       `{"maxlen":1000}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"trimmed":7}`,
		},
		{
			name:       "trim invalid",
			method:     http.MethodPost,
			target:     "/admin/streams/adsb_data/trim",
			body:       `{"maxlen":0}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(router, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestAdminRouter_RepositoryError(t *testing.T) {
	repo := &mocks.MockStreamAdminRepository{Err: errors.New("redis down")}
	router := newTestRouter(t, repo, &mocks.MockLastSeenCache{}, "")

	rr := serve(router, http.MethodGet, "/admin/streams/adsb_data/groups", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAdminRouter_APIKeyProtectsAdminOnly(t *testing.T) {
	router := newTestRouter(t, &mocks.MockStreamAdminRepository{}, &mocks.MockLastSeenCache{}, "secret")

	rr := serve(router, http.MethodGet, "/admin/streams/adsb_data/groups", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/streams/adsb_data/groups", nil)
	req.Header.Set(middleware.APIKeyHeader, "secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminRouter_ProducerHasNoAdminRoutes(t *testing.T) {
	router := NewAdminRouter(RouterDeps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/last-seen", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/admin/streams/x/groups", "").Code)
}
