package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/telemetry"
)

// Cache namespaces. Each namespace carries its own TTL because the
// underlying provider results age at different rates.
const (
	NamespaceImageAnalysis = "image-analysis"
	NamespaceScript        = "script"
)

// ContentCache is a content-addressed cache on warm Redis. Keys are
// derived from the canonical form of the generation inputs, so identical
// briefs and images hit the same entry regardless of request framing.
// All Redis failures degrade to cache misses; callers never see them.
type ContentCache struct {
	client    *redis.Client
	cfg       *config.CacheConfig
	logger    *logrus.Logger
	keyPrefix string

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// CacheMetrics is the snapshot returned by the admin metrics endpoint.
type CacheMetrics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Errors        int64   `json:"errors"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// WarmEntry pre-populates a cache slot during warm-up.
type WarmEntry struct {
	Namespace string      `json:"namespace"`
	Input     interface{} `json:"input"`
	Value     interface{} `json:"value"`
}

func NewContentCache(cfg *config.Config, client *redis.Client, logger *logrus.Logger) *ContentCache {
	return &ContentCache{
		client:    client,
		cfg:       &cfg.Cache,
		logger:    logger,
		keyPrefix: cfg.Cache.KeyPrefix,
	}
}

// Key derives the content address for an input within a namespace.
// The input is serialized to canonical JSON (Go's encoder emits map keys
// in sorted order) and NFC-normalized before hashing, so semantically
// identical inputs collapse to one key.
func (c *ContentCache) Key(namespace string, input interface{}) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache input: %w", err)
	}

	canonical := norm.NFC.String(string(raw))
	sum := sha256.Sum256([]byte(namespace + ":" + canonical))
	return fmt.Sprintf("%s:%s:%s", c.keyPrefix, namespace, hex.EncodeToString(sum[:])), nil
}

// Get returns the cached value for the canonical input, or ok=false on a
// miss. Errors are counted and reported as misses.
func (c *ContentCache) Get(ctx context.Context, namespace string, input interface{}) (json.RawMessage, bool) {
	key, err := c.Key(namespace, input)
	if err != nil {
		c.recordError(namespace, err)
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		c.recordError(namespace, err)
		c.misses.Add(1)
		telemetry.CacheMisses.Inc()
		return nil, false
	}

	c.hits.Add(1)
	telemetry.CacheHits.Inc()
	return json.RawMessage(data), true
}

// GetInto unmarshals a cached value into out. A decode failure counts as
// an error and a miss; the corrupt entry is dropped.
func (c *ContentCache) GetInto(ctx context.Context, namespace string, input, out interface{}) bool {
	raw, ok := c.Get(ctx, namespace, input)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.recordError(namespace, err)
		c.invalidateKey(ctx, namespace, input)
		return false
	}
	return true
}

// Set stores value under the canonical input with the namespace TTL.
// Returns false when the write could not be performed.
func (c *ContentCache) Set(ctx context.Context, namespace string, input, value interface{}) bool {
	key, err := c.Key(namespace, input)
	if err != nil {
		c.recordError(namespace, err)
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.recordError(namespace, err)
		return false
	}

	if err := c.client.Set(ctx, key, data, c.TTLFor(namespace)).Err(); err != nil {
		c.recordError(namespace, err)
		return false
	}

	c.sets.Add(1)
	return true
}

// TTLFor resolves the configured TTL for a namespace.
func (c *ContentCache) TTLFor(namespace string) time.Duration {
	switch namespace {
	case NamespaceImageAnalysis:
		return c.cfg.ImageAnalysisTTL
	case NamespaceScript:
		return c.cfg.ScriptTTL
	default:
		return c.cfg.ScriptTTL
	}
}

// Invalidate removes all entries matching the namespace pattern. An empty
// pattern clears the whole namespace. Returns the number of removed keys.
func (c *ContentCache) Invalidate(ctx context.Context, namespace, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	match := fmt.Sprintf("%s:%s:%s", c.keyPrefix, namespace, pattern)

	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			c.recordError(namespace, err)
			break
		}
		if len(keys) > 0 {
			deleted, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.recordError(namespace, err)
			} else {
				removed += int(deleted)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"namespace": namespace,
		"pattern":   pattern,
		"removed":   removed,
	}).Info("Cache entries invalidated")

	return removed
}

// Warm pre-loads entries and returns how many were stored.
func (c *ContentCache) Warm(ctx context.Context, entries []WarmEntry) int {
	stored := 0
	for _, entry := range entries {
		if c.Set(ctx, entry.Namespace, entry.Input, entry.Value) {
			stored++
		}
	}
	return stored
}

// Metrics returns a consistent snapshot of the hit/miss counters.
func (c *ContentCache) Metrics() CacheMetrics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	m := CacheMetrics{
		Hits:          hits,
		Misses:        misses,
		Sets:          c.sets.Load(),
		Errors:        c.errors.Load(),
		TotalRequests: total,
	}
	if total > 0 {
		m.HitRate = float64(hits) / float64(total)
	}
	return m
}

// ResetMetrics zeroes the local counters. Prometheus counters are left to
// their own lifecycle.
func (c *ContentCache) ResetMetrics() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.errors.Store(0)
}

func (c *ContentCache) invalidateKey(ctx context.Context, namespace string, input interface{}) {
	key, err := c.Key(namespace, input)
	if err != nil {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.recordError(namespace, err)
	}
}

func (c *ContentCache) recordError(namespace string, err error) {
	c.errors.Add(1)
	telemetry.CacheErrors.Inc()
	c.logger.WithFields(logrus.Fields{
		"namespace": namespace,
		"error":     err.Error(),
	}).Warn("Cache operation failed, treating as miss")
}

// ImageAnalysisInput is the canonical cache input for image analysis:
// content hashes of the raw images plus the analysis options actually
// sent to the provider.
type ImageAnalysisInput struct {
	ImageHashes []string          `json:"image_hashes"`
	Options     map[string]string `json:"options,omitempty"`
}

// CanonicalImageInput hashes each image's bytes so the cache key depends
// on content, not on the URL the image arrived from.
func CanonicalImageInput(images [][]byte, options map[string]string) ImageAnalysisInput {
	hashes := make([]string, 0, len(images))
	for _, img := range images {
		sum := sha256.Sum256(img)
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return ImageAnalysisInput{ImageHashes: hashes, Options: options}
}

// ScriptInput is the canonical cache input for script generation.
type ScriptInput struct {
	Brief           string `json:"brief"`
	AnalysisSummary string `json:"analysis_summary,omitempty"`
	CustomScript    string `json:"custom_script,omitempty"`
}

func CanonicalScriptInput(brief, analysisSummary, customScript string) ScriptInput {
	return ScriptInput{
		Brief:           norm.NFC.String(brief),
		AnalysisSummary: norm.NFC.String(analysisSummary),
		CustomScript:    norm.NFC.String(customScript),
	}
}
