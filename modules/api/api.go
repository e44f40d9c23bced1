package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Query parameter bounds.
const (
	defaultHistoryWindow = time.Hour
	defaultMaxPoints     = 200
	capMaxPoints         = 1000
	defaultTopN          = 10
	capTopN              = 50
	defaultAlertLimit    = 50
)

// API serves the read-only dashboard endpoints on top of the storage
// layer.
type API struct {
	cache  *sluicedb.Cache
	reader *sluicedb.Reader
	logger log.Logger
}

func New(cache *sluicedb.Cache, reader *sluicedb.Reader, logger log.Logger) *API {
	return &API{
		cache:  cache,
		reader: reader,
		logger: log.With(logger, "component", "api"),
	}
}

func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/metrics/iot/latest", a.handleIoTLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics/iot/history", a.handleIoTHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics/activity/latest", a.handleActivityLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics/activity/leaderboard", a.handleLeaderboard).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts", a.handleAlerts).Methods(http.MethodGet)
}

func (a *API) handleIoTLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := a.cache.IoTLatest(r.Context())
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, latest)
}

func (a *API) handleIoTHistory(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key parameter", http.StatusBadRequest)
		return
	}

	nowMs := float64(time.Now().UnixMilli())
	end := floatParam(r, "end", nowMs)
	start := floatParam(r, "start", nowMs-float64(defaultHistoryWindow.Milliseconds()))
	maxPoints := intParam(r, "max_points", defaultMaxPoints, capMaxPoints)

	points, err := a.reader.GetRange(r.Context(), key, start, end, maxPoints)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, points)
}

func (a *API) handleActivityLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := a.cache.ActivityLatest(r.Context())
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, latest)
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	topN := intParam(r, "top_n", defaultTopN, capTopN)

	top, err := a.cache.Leaderboard(r.Context(), topN)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, top)
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultAlertLimit, sluicedb.MaxAlerts)

	alerts, err := a.cache.Alerts(r.Context(), limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, alerts)
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "err", err)
	}
}

func (a *API) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, kv.ErrCircuitOpen) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	level.Error(a.logger).Log("msg", "store query failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func floatParam(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func intParam(r *http.Request, name string, fallback, upper int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if v > upper {
		return upper
	}
	return v
}
