package models

import "time"

// Request complexity estimates used to plan dispatch order.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Optimization suggestion types.
const (
	SuggestionClusterOptimization = "cluster_optimization"
	SuggestionBatchSplitting      = "batch_splitting"
)

// ContentCluster groups request indices judged similar enough to share
// generated assets.
type ContentCluster struct {
	Category       string `json:"category"`
	RequestIndices []int  `json:"request_indices"`
	Complexity     string `json:"complexity"`
}

// OptimizationSuggestion is one actionable recommendation from the analyzer.
type OptimizationSuggestion struct {
	Type                 string `json:"type"`
	Description          string `json:"description"`
	AffectedClusters     []int  `json:"affected_clusters,omitempty"`
	RecommendedBatchSize int    `json:"recommended_batch_size,omitempty"`
	TotalBatches         int    `json:"total_batches,omitempty"`
}

// ClusterStrategy is the recommended dispatch plan for one cluster.
type ClusterStrategy struct {
	ClusterIndex   int    `json:"cluster_index"`
	Strategy       string `json:"strategy"` // sequential or parallel
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	Priority       int    `json:"priority"`
}

// BatchAnalysis is the full, side-effect-free optimizer output for a
// proposed batch.
type BatchAnalysis struct {
	TotalRequests           int                      `json:"total_requests"`
	ContentClusters         []ContentCluster         `json:"content_clusters"`
	OptimizationSuggestions []OptimizationSuggestion `json:"optimization_suggestions"`
	EstimatedCostSavings    float64                  `json:"estimated_cost_savings"` // percentage, [0, 30]
	RecommendedBatching     []ClusterStrategy        `json:"recommended_batching"`
}

// SchedulingPlan is the result of optimizeScheduling for an existing batch.
type SchedulingPlan struct {
	OptimizedSchedule time.Time  `json:"optimized_schedule"`
	OriginalSchedule  *time.Time `json:"original_schedule,omitempty"`
	Reasoning         string     `json:"reasoning"`
}
