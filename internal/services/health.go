package services

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/database"
	"github.com/briefcast/briefcast/internal/queue"
)

// HealthService probes the dependencies the orchestration layer cannot
// run without and reports a readiness verdict. Postgres and hot Redis
// are critical; warm Redis only costs cache hits when it is down.
type HealthService struct {
	config *config.Config
	logger *logrus.Logger
	db     *database.Database
	queue  *queue.VideoJobQueue

	healthCheckStatus *prometheus.GaugeVec
	lastHealthCheck   *prometheus.GaugeVec
	systemMetrics     *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Latency     time.Duration          `json:"latency,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func NewHealthService(cfg *config.Config, logger *logrus.Logger, db *database.Database, q *queue.VideoJobQueue) *HealthService {
	hs := &HealthService{
		config: cfg,
		logger: logger,
		db:     db,
		queue:  q,
	}

	hs.healthCheckStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_status",
		Help: "Health check status (1 = healthy, 0 = unhealthy)",
	}, []string{"service"})

	hs.lastHealthCheck = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_check_timestamp",
		Help: "Timestamp of last health check",
	}, []string{"service"})

	hs.systemMetrics = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_info",
		Help: "System information metrics",
	}, []string{"metric_type"})

	for _, collector := range []prometheus.Collector{hs.healthCheckStatus, hs.lastHealthCheck, hs.systemMetrics} {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register health metric")
			}
		}
	}

	go hs.collectSystemMetrics()

	return hs
}

func (s *HealthService) CheckHealth() *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	criticalServices := map[string]func() error{
		"postgresql": s.checkPostgreSQL,
		"redis_hot":  s.checkRedisHot,
	}
	nonCriticalServices := map[string]func() error{
		"redis_warm": s.checkRedisWarm,
	}

	for name, check := range criticalServices {
		if err := check(); err != nil {
			status.Services[name] = "unhealthy"
			status.Critical = append(status.Critical, name)
			s.recordCheck(name, 0)
			s.logger.WithError(err).WithField("service", name).Error("Critical dependency unhealthy")
		} else {
			status.Services[name] = "healthy"
			s.recordCheck(name, 1)
		}
	}

	for name, check := range nonCriticalServices {
		if err := check(); err != nil {
			status.Services[name] = "unhealthy"
			status.NonCritical = append(status.NonCritical, name)
			s.recordCheck(name, 0)
			s.logger.WithError(err).WithField("service", name).Warn("Non-critical dependency unhealthy")
		} else {
			status.Services[name] = "healthy"
			s.recordCheck(name, 1)
		}
	}

	switch {
	case len(status.Critical) > 0:
		status.Status = "unhealthy"
	case len(status.NonCritical) > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}

	if s.queue != nil {
		if depth, err := s.queue.ReadyDepth(context.Background()); err == nil {
			status.Details = map[string]interface{}{"queue_depth": depth}
		}
	}

	status.Latency = time.Since(start)
	return status
}

// Ready reports whether the service can accept work.
func (s *HealthService) Ready() bool {
	return len(s.CheckHealth().Critical) == 0
}

func (s *HealthService) recordCheck(service string, healthy float64) {
	s.healthCheckStatus.WithLabelValues(service).Set(healthy)
	s.lastHealthCheck.WithLabelValues(service).Set(float64(time.Now().Unix()))
}

func (s *HealthService) checkPostgreSQL() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.db.PG.Ping(ctx)
}

func (s *HealthService) checkRedisHot() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.db.Redis.Hot.Ping(ctx).Err()
}

func (s *HealthService) checkRedisWarm() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.db.Redis.Warm.Ping(ctx).Err()
}

func (s *HealthService) collectSystemMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		s.systemMetrics.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
		s.systemMetrics.WithLabelValues("heap_alloc_bytes").Set(float64(m.HeapAlloc))
		s.systemMetrics.WithLabelValues("heap_sys_bytes").Set(float64(m.HeapSys))
	}
}
