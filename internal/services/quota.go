package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

// QuotaService enforces daily, monthly, and concurrent generation limits
// by counting ledger rows at admission time. Counts are read-then-decide;
// a burst racing the check can briefly overshoot, which the provider-side
// rate limits absorb.
type QuotaService struct {
	operations ledger.OperationRepository
	cfg        *config.QuotaConfig
	logger     *logrus.Logger
}

func NewQuotaService(operations ledger.OperationRepository, cfg *config.Config, logger *logrus.Logger) *QuotaService {
	return &QuotaService{
		operations: operations,
		cfg:        &cfg.Quota,
		logger:     logger,
	}
}

// QuotaUsage is the current consumption snapshot.
type QuotaUsage struct {
	Daily           int `json:"daily"`
	DailyLimit      int `json:"daily_limit"`
	Monthly         int `json:"monthly"`
	MonthlyLimit    int `json:"monthly_limit"`
	Concurrent      int `json:"concurrent"`
	ConcurrentLimit int `json:"concurrent_limit"`
}

// Check reports whether admitting additional operations would exceed any
// limit. Limits set to zero are unenforced.
func (s *QuotaService) Check(ctx context.Context, additional int) error {
	usage, err := s.Usage(ctx)
	if err != nil {
		return err
	}

	var exceeded *models.QuotaExceededError
	switch {
	case usage.DailyLimit > 0 && usage.Daily+additional > usage.DailyLimit:
		exceeded = &models.QuotaExceededError{Quota: "daily", Limit: usage.DailyLimit}
	case usage.MonthlyLimit > 0 && usage.Monthly+additional > usage.MonthlyLimit:
		exceeded = &models.QuotaExceededError{Quota: "monthly", Limit: usage.MonthlyLimit}
	case usage.ConcurrentLimit > 0 && usage.Concurrent+additional > usage.ConcurrentLimit:
		exceeded = &models.QuotaExceededError{Quota: "concurrent", Limit: usage.ConcurrentLimit}
	}

	if exceeded != nil {
		telemetry.QuotaRejections.Inc()
		s.logger.WithFields(logrus.Fields{
			"quota":      exceeded.Quota,
			"limit":      exceeded.Limit,
			"additional": additional,
		}).Warn("Generation quota exceeded")
		return exceeded
	}
	return nil
}

// Usage counts current consumption across all three windows.
func (s *QuotaService) Usage(ctx context.Context) (*QuotaUsage, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := s.operations.CountByFilter(ctx, ledger.OperationFilter{CreatedAfter: &dayStart})
	if err != nil {
		return nil, err
	}
	monthly, err := s.operations.CountByFilter(ctx, ledger.OperationFilter{CreatedAfter: &monthStart})
	if err != nil {
		return nil, err
	}
	concurrent, err := s.operations.CountByFilter(ctx, ledger.OperationFilter{
		Statuses: []string{models.OperationPending, models.OperationProcessing},
	})
	if err != nil {
		return nil, err
	}

	return &QuotaUsage{
		Daily:           daily,
		DailyLimit:      s.cfg.DailyLimit,
		Monthly:         monthly,
		MonthlyLimit:    s.cfg.MonthlyLimit,
		Concurrent:      concurrent,
		ConcurrentLimit: s.cfg.ConcurrentLimit,
	}, nil
}
