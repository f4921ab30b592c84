package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SnapshotsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curator_snapshots_stored_total",
			Help: "Total evidence snapshots stored (deduplicated puts excluded)",
		},
	)

	CandidatesStaged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_candidates_staged_total",
			Help: "Total candidates staged",
		},
		[]string{"kind", "ecosystem"},
	)

	MalformedCandidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curator_candidates_malformed_total",
			Help: "Candidates rejected at the ingestion boundary",
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_decisions_total",
			Help: "Total review decisions recorded",
		},
		[]string{"verb"},
	)

	InvalidTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "curator_invalid_transitions_total",
			Help: "Decide calls rejected because the candidate was not pending",
		},
	)

	LineageScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "curator_lineage_score",
			Help:    "Lineage confidence scores from the verifier",
			Buckets: []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0},
		},
	)

	ExtractionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "curator_extraction_confidence",
			Help:    "Self-reported confidence scores of staged candidates",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	ResolutionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_resolution_events_total",
			Help: "Endpoint resolution events by outcome",
		},
		[]string{"outcome"},
	)

	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_promotions_total",
			Help: "Promotion attempts by action",
		},
		[]string{"action"},
	)

	PromotionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "curator_promotion_duration_seconds",
			Help:    "Single-candidate promotion transaction duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	CanonicalEntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "curator_canonical_entities_total",
			Help: "Current canonical entities",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curator_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(SnapshotsStored)
	prometheus.MustRegister(CandidatesStaged)
	prometheus.MustRegister(MalformedCandidates)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(InvalidTransitions)
	prometheus.MustRegister(LineageScore)
	prometheus.MustRegister(ExtractionConfidence)
	prometheus.MustRegister(ResolutionEvents)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(PromotionDuration)
	prometheus.MustRegister(CanonicalEntitiesTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
