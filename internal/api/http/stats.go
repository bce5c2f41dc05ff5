package http

import (
	"net/http"

	"github.com/skylarkdb/skylark/internal/cache"
	"github.com/skylarkdb/skylark/internal/observability"
)

// PredicateStat is one column's filter frequency.
type PredicateStat struct {
	Column    string         `json:"column"`
	Frequency int64          `json:"frequency"`
	Operators map[string]int `json:"operators"`
}

// CacheStats reports segment cache effectiveness.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int64   `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

// StatsResponse is the GET /v1/stats body.
type StatsResponse struct {
	Scans         observability.Counters `json:"scans"`
	TopPredicates []PredicateStat        `json:"top_predicates"`
	Cache         *CacheStats            `json:"cache,omitempty"`
	RequestID     string                 `json:"request_id"`
}

// StatsHandler handles GET /v1/stats requests. Either dependency may be nil
// for processes that run without that component.
type StatsHandler struct {
	stats    *observability.ScanStats
	segCache *cache.SegmentCache
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats *observability.ScanStats, segCache *cache.SegmentCache) *StatsHandler {
	return &StatsHandler{stats: stats, segCache: segCache}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatsResponse{
		TopPredicates: []PredicateStat{},
		RequestID:     requestID,
	}
	if h.stats != nil {
		resp.Scans = h.stats.Counters()
		for _, cs := range h.stats.TopPredicates(10) {
			resp.TopPredicates = append(resp.TopPredicates, PredicateStat{
				Column:    cs.Column,
				Frequency: cs.Frequency,
				Operators: cs.Operators,
			})
		}
	}
	if h.segCache != nil {
		hits, misses, evictions, entries, size := h.segCache.Stats()
		resp.Cache = &CacheStats{
			Hits:      hits,
			Misses:    misses,
			Evictions: evictions,
			Entries:   entries,
			SizeBytes: size,
			HitRate:   h.segCache.HitRate(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
