package services

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/floats"

	"github.com/briefcast/briefcast/pkg/models"
)

// Category vocabularies for brief classification. A brief lands in the
// category whose vocabulary it hits most often; no hits means general.
var categoryVocabularies = map[string][]string{
	"food_beverage": {
		"coffee", "tea", "restaurant", "cafe", "food", "drink", "beverage",
		"bakery", "pizza", "burger", "menu", "chef", "brewery", "wine",
		"cocktail", "snack", "dessert", "breakfast", "lunch", "dinner",
	},
	"technology": {
		"tech", "technology", "software", "app", "startup", "digital", "ai",
		"saas", "platform", "cloud", "data", "developer", "device", "gadget",
		"smartphone", "computer", "innovation", "automation",
	},
	"fashion": {
		"fashion", "clothing", "apparel", "style", "outfit", "wear",
		"designer", "jewelry", "accessories", "shoes", "boutique", "fabric",
		"collection", "runway",
	},
	"health_fitness": {
		"fitness", "gym", "workout", "health", "wellness", "yoga",
		"nutrition", "supplement", "training", "exercise", "sport",
		"running", "meditation", "clinic",
	},
	"travel": {
		"travel", "hotel", "vacation", "destination", "flight", "resort",
		"tour", "adventure", "beach", "cruise", "tourism", "getaway",
		"airline", "booking",
	},
}

const (
	categoryGeneral = "general"

	// Two briefs join the same cluster when their term-frequency cosine
	// similarity reaches this bound. Tokens are stem-folded first, so
	// "tech" and "technology" count as the same term.
	similarityThreshold = 0.2

	maxOperationsPerBatch = 50
)

var caseFolder = cases.Fold()

// BatchOptimizer analyzes proposed batches: it clusters briefs by content,
// estimates complexity and cost savings, and recommends dispatch
// strategies. All methods are pure; nothing here touches storage.
type BatchOptimizer struct {
	logger *logrus.Logger
}

func NewBatchOptimizer(logger *logrus.Logger) *BatchOptimizer {
	return &BatchOptimizer{logger: logger}
}

// Analyze produces the full optimizer report for a set of requests.
func (o *BatchOptimizer) Analyze(requests []models.GenerationRequest) *models.BatchAnalysis {
	analysis := &models.BatchAnalysis{
		TotalRequests:           len(requests),
		ContentClusters:         []models.ContentCluster{},
		OptimizationSuggestions: []models.OptimizationSuggestion{},
	}
	if len(requests) == 0 {
		return analysis
	}

	analysis.ContentClusters = o.clusterRequests(requests)
	analysis.OptimizationSuggestions = o.buildSuggestions(len(requests), analysis.ContentClusters)
	analysis.EstimatedCostSavings = estimateCostSavings(len(requests), analysis.ContentClusters)
	analysis.RecommendedBatching = recommendBatching(analysis.ContentClusters)

	o.logger.WithFields(logrus.Fields{
		"total_requests":    analysis.TotalRequests,
		"clusters":          len(analysis.ContentClusters),
		"estimated_savings": analysis.EstimatedCostSavings,
	}).Debug("Batch analysis computed")

	return analysis
}

// clusterRequests groups requests by category first, then refines each
// category group by lexical similarity so unrelated briefs that merely
// share a category do not cluster together.
func (o *BatchOptimizer) clusterRequests(requests []models.GenerationRequest) []models.ContentCluster {
	type member struct {
		index int
		terms map[string]float64
	}

	byCategory := make(map[string][]member)
	var categoryOrder []string
	for i, req := range requests {
		tokens := tokenizeBrief(req.CreativeBrief)
		category := categorize(tokens)
		if _, seen := byCategory[category]; !seen {
			categoryOrder = append(categoryOrder, category)
		}
		byCategory[category] = append(byCategory[category], member{index: i, terms: termFrequencies(tokens)})
	}

	var clusters []models.ContentCluster
	for _, category := range categoryOrder {
		members := byCategory[category]

		// Greedy merge against each sub-cluster's first member.
		var groups [][]member
		for _, m := range members {
			placed := false
			for gi, group := range groups {
				if cosineSimilarity(group[0].terms, m.terms) >= similarityThreshold {
					groups[gi] = append(groups[gi], m)
					placed = true
					break
				}
			}
			if !placed {
				groups = append(groups, []member{m})
			}
		}

		for _, group := range groups {
			indices := make([]int, 0, len(group))
			for _, m := range group {
				indices = append(indices, m.index)
			}
			sort.Ints(indices)
			clusters = append(clusters, models.ContentCluster{
				Category:       category,
				RequestIndices: indices,
				Complexity:     clusterComplexity(requests, indices),
			})
		}
	}

	return clusters
}

func (o *BatchOptimizer) buildSuggestions(total int, clusters []models.ContentCluster) []models.OptimizationSuggestion {
	suggestions := []models.OptimizationSuggestion{}

	var shared []int
	for i, cluster := range clusters {
		if len(cluster.RequestIndices) >= 2 {
			shared = append(shared, i)
		}
	}
	if len(shared) > 0 {
		suggestions = append(suggestions, models.OptimizationSuggestion{
			Type:             models.SuggestionClusterOptimization,
			Description:      fmt.Sprintf("%d cluster(s) contain similar briefs; generating them together reuses scripts and image analysis", len(shared)),
			AffectedClusters: shared,
		})
	}

	if total > maxOperationsPerBatch {
		suggestions = append(suggestions, models.OptimizationSuggestion{
			Type:                 models.SuggestionBatchSplitting,
			Description:          fmt.Sprintf("batch exceeds %d operations; split to keep queue latency and retry blast radius bounded", maxOperationsPerBatch),
			RecommendedBatchSize: maxOperationsPerBatch,
			TotalBatches:         (total + maxOperationsPerBatch - 1) / maxOperationsPerBatch,
		})
	}

	return suggestions
}

// estimateCostSavings scores the batch as a percentage in [0, 30]: a small
// base for batching overhead amortization plus a per-cluster bonus for
// every request beyond the first that can share generated assets.
func estimateCostSavings(total int, clusters []models.ContentCluster) float64 {
	savings := 2.0 * float64(total) / 10.0
	for _, cluster := range clusters {
		if extra := len(cluster.RequestIndices) - 1; extra > 0 {
			savings += float64(extra) * 6.0
		}
	}
	return math.Min(30.0, math.Max(0.0, savings))
}

// recommendBatching maps each cluster's complexity to a dispatch strategy.
// High-complexity clusters go sequential at top priority so the expensive
// work is isolated and runs first.
func recommendBatching(clusters []models.ContentCluster) []models.ClusterStrategy {
	strategies := make([]models.ClusterStrategy, 0, len(clusters))
	for i, cluster := range clusters {
		s := models.ClusterStrategy{ClusterIndex: i}
		switch cluster.Complexity {
		case models.ComplexityHigh:
			s.Strategy = models.StrategySequential
			s.Priority = 1
		case models.ComplexityMedium:
			s.Strategy = models.StrategyParallel
			s.MaxConcurrency = 3
			s.Priority = 5
		default:
			s.Strategy = models.StrategyParallel
			s.MaxConcurrency = 5
			s.Priority = 8
		}
		strategies = append(strategies, s)
	}
	return strategies
}

// OptimizeScheduling decides when an existing batch should run. Urgent
// batches keep their immediate slot; large batches are pushed to the next
// off-peak window where provider rate limits are least contended.
func (o *BatchOptimizer) OptimizeScheduling(batch *models.Batch, now time.Time) models.SchedulingPlan {
	plan := models.SchedulingPlan{
		OptimizedSchedule: now,
		OriginalSchedule:  batch.ScheduledFor,
	}

	switch {
	case batch.Priority <= 2:
		plan.Reasoning = "high priority batch scheduled for immediate processing"
	case batch.TotalOperations > 20:
		plan.OptimizedSchedule = nextOffPeakWindow(now)
		plan.Reasoning = fmt.Sprintf("large batch of %d operations deferred to the off-peak window to avoid provider rate-limit contention", batch.TotalOperations)
	case batch.ScheduledFor != nil && batch.ScheduledFor.After(now):
		plan.OptimizedSchedule = *batch.ScheduledFor
		plan.Reasoning = "requested schedule retained; batch is small enough to run as requested"
	default:
		plan.Reasoning = "batch scheduled for immediate processing"
	}

	return plan
}

// nextOffPeakWindow returns the next 02:00 UTC after now.
func nextOffPeakWindow(now time.Time) time.Time {
	now = now.UTC()
	window := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC)
	if !window.After(now) {
		window = window.Add(24 * time.Hour)
	}
	return window
}

// clusterComplexity is the maximum member complexity, since the slowest
// request gates the cluster.
func clusterComplexity(requests []models.GenerationRequest, indices []int) string {
	rank := map[string]int{models.ComplexityLow: 0, models.ComplexityMedium: 1, models.ComplexityHigh: 2}
	result := models.ComplexityLow
	for _, i := range indices {
		c := estimateComplexity(requests[i])
		if rank[c] > rank[result] {
			result = c
		}
	}
	return result
}

// estimateComplexity buckets a request by how much provider work it
// implies: very long briefs, many images, or a custom script combined
// with rich options all force the high bucket.
func estimateComplexity(req models.GenerationRequest) string {
	switch {
	case len(req.CreativeBrief) > 1000,
		len(req.ImageURLs) >= 5,
		req.CustomScript != nil && len(req.Options) > 2:
		return models.ComplexityHigh
	case len(req.CreativeBrief) < 200 && len(req.ImageURLs) <= 2 && req.CustomScript == nil:
		return models.ComplexityLow
	default:
		return models.ComplexityMedium
	}
}

func tokenizeBrief(brief string) []string {
	folded := caseFolder.String(norm.NFC.String(brief))
	raw := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) >= 3 {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func categorize(tokens []string) string {
	best := categoryGeneral
	bestHits := 0
	// Stable iteration keeps classification deterministic on ties.
	names := make([]string, 0, len(categoryVocabularies))
	for name := range categoryVocabularies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vocab := categoryVocabularies[name]
		hits := 0
		for _, tok := range tokens {
			for _, term := range vocab {
				if tok == term || stemFold(tok) == stemFold(term) {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
		}
	}
	return best
}

// stemFold truncates a token to a short prefix so close derivations
// ("tech", "technology") compare equal without a full stemmer.
func stemFold(token string) string {
	if len(token) > 4 {
		return token[:4]
	}
	return token
}

func termFrequencies(tokens []string) map[string]float64 {
	freq := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		freq[stemFold(tok)]++
	}
	return freq
}

// cosineSimilarity computes the cosine of two sparse term-frequency
// vectors over the union of their terms.
func cosineSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	terms := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for term := range a {
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}
	for term := range b {
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)

	va := make([]float64, len(terms))
	vb := make([]float64, len(terms))
	for i, term := range terms {
		va[i] = a[term]
		vb[i] = b[term]
	}

	dot := floats.Dot(va, vb)
	normA := math.Sqrt(floats.Dot(va, va))
	normB := math.Sqrt(floats.Dot(vb, vb))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}
