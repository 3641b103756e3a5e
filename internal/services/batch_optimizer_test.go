package services

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefcast/briefcast/pkg/models"
)

func newTestOptimizer() *BatchOptimizer {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewBatchOptimizer(logger)
}

func briefRequest(brief string) models.GenerationRequest {
	return models.GenerationRequest{CreativeBrief: brief}
}

func TestOptimizer_ClustersSimilarBriefs(t *testing.T) {
	opt := newTestOptimizer()

	analysis := opt.Analyze([]models.GenerationRequest{
		briefRequest("coffee shop morning advertisement"),
		briefRequest("tech startup software development"),
		briefRequest("coffee house promotion morning warm cozy"),
		briefRequest("technology company digital solutions"),
	})

	require.Len(t, analysis.ContentClusters, 2)

	byCategory := make(map[string][]int)
	for _, cluster := range analysis.ContentClusters {
		byCategory[cluster.Category] = cluster.RequestIndices
	}
	assert.Equal(t, []int{0, 2}, byCategory["food_beverage"])
	assert.Equal(t, []int{1, 3}, byCategory["technology"])

	// Two shareable clusters produce a cluster optimization suggestion.
	require.NotEmpty(t, analysis.OptimizationSuggestions)
	assert.Equal(t, models.SuggestionClusterOptimization, analysis.OptimizationSuggestions[0].Type)
	assert.Len(t, analysis.OptimizationSuggestions[0].AffectedClusters, 2)

	assert.Greater(t, analysis.EstimatedCostSavings, 0.0)
	assert.LessOrEqual(t, analysis.EstimatedCostSavings, 30.0)
}

func TestOptimizer_UnrelatedSameCategoryBriefsStaySeparate(t *testing.T) {
	opt := newTestOptimizer()

	analysis := opt.Analyze([]models.GenerationRequest{
		briefRequest("smartphone camera comparison review"),
		briefRequest("cloud platform migration services enterprise"),
	})

	// Both are technology, but nothing lexical ties them together.
	require.Len(t, analysis.ContentClusters, 2)
	for _, cluster := range analysis.ContentClusters {
		assert.Equal(t, "technology", cluster.Category)
		assert.Len(t, cluster.RequestIndices, 1)
	}
}

func TestOptimizer_SavingsBoundsAndMonotonicity(t *testing.T) {
	opt := newTestOptimizer()

	// No sharing at all: distinct categories, single-member clusters.
	lone := opt.Analyze([]models.GenerationRequest{
		briefRequest("yoga studio membership"),
		briefRequest("beach resort vacation"),
	})

	// Same size, but both briefs cluster together.
	paired := opt.Analyze([]models.GenerationRequest{
		briefRequest("coffee shop morning advertisement"),
		briefRequest("coffee shop morning special"),
	})

	assert.GreaterOrEqual(t, lone.EstimatedCostSavings, 0.0)
	assert.Greater(t, paired.EstimatedCostSavings, lone.EstimatedCostSavings)

	// Larger clusters never reduce the estimate, and the cap holds.
	var many []models.GenerationRequest
	for i := 0; i < 40; i++ {
		many = append(many, briefRequest("coffee shop morning advertisement special blend"))
	}
	capped := opt.Analyze(many)
	assert.Equal(t, 30.0, capped.EstimatedCostSavings)
}

func TestOptimizer_EmptyInput(t *testing.T) {
	opt := newTestOptimizer()

	analysis := opt.Analyze(nil)
	assert.Zero(t, analysis.TotalRequests)
	assert.Empty(t, analysis.ContentClusters)
	assert.Zero(t, analysis.EstimatedCostSavings)
}

func TestOptimizer_SplitsOversizedBatches(t *testing.T) {
	opt := newTestOptimizer()

	var requests []models.GenerationRequest
	for i := 0; i < 60; i++ {
		requests = append(requests, briefRequest(fmt.Sprintf("travel destination highlight number %d", i)))
	}

	analysis := opt.Analyze(requests)

	var split *models.OptimizationSuggestion
	for i := range analysis.OptimizationSuggestions {
		if analysis.OptimizationSuggestions[i].Type == models.SuggestionBatchSplitting {
			split = &analysis.OptimizationSuggestions[i]
		}
	}
	require.NotNil(t, split)
	assert.Equal(t, 50, split.RecommendedBatchSize)
	assert.Equal(t, 2, split.TotalBatches)
}

func TestOptimizer_ComplexityBuckets(t *testing.T) {
	custom := "SCENE 1: open on the product"

	tests := []struct {
		name string
		req  models.GenerationRequest
		want string
	}{
		{"short brief", briefRequest("quick gym promo"), models.ComplexityLow},
		{"long brief", briefRequest(strings.Repeat("a detailed scene description ", 40)), models.ComplexityHigh},
		{"many images", models.GenerationRequest{
			CreativeBrief: "product showcase",
			ImageURLs:     []string{"a", "b", "c", "d", "e"},
		}, models.ComplexityHigh},
		{"custom script with rich options", models.GenerationRequest{
			CreativeBrief: "product showcase",
			CustomScript:  &custom,
			Options:       map[string]interface{}{"aspect": "9:16", "duration": 30, "style": "bold"},
		}, models.ComplexityHigh},
		{"middling brief", models.GenerationRequest{
			CreativeBrief: strings.Repeat("steady narration over product shots ", 8),
			ImageURLs:     []string{"a", "b", "c"},
		}, models.ComplexityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, estimateComplexity(tt.req))
		})
	}
}

func TestOptimizer_RecommendedBatchingByComplexity(t *testing.T) {
	opt := newTestOptimizer()

	long := strings.Repeat("an elaborate multi scene narrative for the brand ", 30)
	analysis := opt.Analyze([]models.GenerationRequest{
		briefRequest(long),          // high
		briefRequest("gym promo"),   // low
	})

	require.Len(t, analysis.RecommendedBatching, 2)

	byIndex := make(map[int]models.ClusterStrategy)
	for _, s := range analysis.RecommendedBatching {
		byIndex[s.ClusterIndex] = s
	}
	for i, cluster := range analysis.ContentClusters {
		strategy := byIndex[i]
		switch cluster.Complexity {
		case models.ComplexityHigh:
			assert.Equal(t, models.StrategySequential, strategy.Strategy)
			assert.Equal(t, 1, strategy.Priority)
		case models.ComplexityLow:
			assert.Equal(t, models.StrategyParallel, strategy.Strategy)
			assert.Equal(t, 5, strategy.MaxConcurrency)
		}
	}
}

func TestOptimizer_SchedulingPlans(t *testing.T) {
	opt := newTestOptimizer()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	urgent := &models.Batch{Priority: 1, TotalOperations: 30}
	plan := opt.OptimizeScheduling(urgent, now)
	assert.Equal(t, now, plan.OptimizedSchedule)
	assert.Contains(t, plan.Reasoning, "high priority")

	large := &models.Batch{Priority: 5, TotalOperations: 25}
	plan = opt.OptimizeScheduling(large, now)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), plan.OptimizedSchedule)
	assert.Contains(t, plan.Reasoning, "off-peak")

	requested := now.Add(6 * time.Hour)
	scheduled := &models.Batch{Priority: 5, TotalOperations: 3, ScheduledFor: &requested}
	plan = opt.OptimizeScheduling(scheduled, now)
	assert.Equal(t, requested, plan.OptimizedSchedule)
	require.NotNil(t, plan.OriginalSchedule)
	assert.Equal(t, requested, *plan.OriginalSchedule)

	small := &models.Batch{Priority: 5, TotalOperations: 2}
	plan = opt.OptimizeScheduling(small, now)
	assert.Equal(t, now, plan.OptimizedSchedule)
}
