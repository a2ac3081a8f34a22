package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck defines a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
	Timeout() time.Duration
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// SystemStatus is the outcome of one pass over every registered check.
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues"`
	Uptime         time.Duration           `json:"uptime"`
	StartTime      time.Time               `json:"start_time"`
}

// HealthMonitor runs registered checks on demand
type HealthMonitor struct {
	logger    *logrus.Logger
	timeout   time.Duration
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthMonitor creates a monitor. timeout bounds checks that do not set their own.
func NewHealthMonitor(timeout time.Duration, logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		logger:    logger,
		timeout:   timeout,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
}

// RegisterCheck registers a new health check, replacing one with the same name.
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checks[check.Name()] = check
	hm.logger.WithField("check", check.Name()).Debug("Registered health check")
}

// CheckAll executes every check concurrently and folds the results. A failing
// critical check makes the system unhealthy, any other failure degraded.
func (hm *HealthMonitor) CheckAll(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			results[i] = hm.executeCheck(ctx, c)
		}(i, check)
	}
	wg.Wait()

	status := &SystemStatus{
		OverallStatus:  StatusHealthy,
		CheckResults:   make(map[string]HealthResult, len(checks)),
		CriticalIssues: make([]string, 0),
		Uptime:         time.Since(hm.startTime),
		StartTime:      hm.startTime,
	}
	for i, c := range checks {
		r := results[i]
		status.CheckResults[c.Name()] = r
		if r.Status == StatusHealthy {
			continue
		}
		if c.Critical() {
			status.CriticalIssues = append(status.CriticalIssues, c.Name())
			status.OverallStatus = StatusUnhealthy
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}
	sort.Strings(status.CriticalIssues)
	return status
}

func (hm *HealthMonitor) executeCheck(ctx context.Context, check HealthCheck) HealthResult {
	start := time.Now()

	timeout := check.Timeout()
	if timeout <= 0 {
		timeout = hm.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(ctx)
	result.Duration = time.Since(start)
	result.Critical = check.Critical()
	if result.Status != StatusHealthy {
		hm.logger.WithFields(logrus.Fields{
			"check":   check.Name(),
			"status":  result.Status,
			"message": result.Message,
		}).Warn("Health check failed")
	}
	return result
}

// BasicHealthCheck adapts a function to HealthCheck
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

// NewBasicHealthCheck creates a new basic health check
func NewBasicHealthCheck(name string, checkFunc func(ctx context.Context) error, critical bool, timeout time.Duration) *BasicHealthCheck {
	return &BasicHealthCheck{
		name:      name,
		checkFunc: checkFunc,
		critical:  critical,
		timeout:   timeout,
	}
}

// Name returns the check name
func (bhc *BasicHealthCheck) Name() string {
	return bhc.name
}

// Check executes the health check
func (bhc *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	result := HealthResult{
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
	}
	if err := bhc.checkFunc(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

// Critical returns whether this check is critical
func (bhc *BasicHealthCheck) Critical() bool {
	return bhc.critical
}

// Timeout returns the check timeout
func (bhc *BasicHealthCheck) Timeout() time.Duration {
	return bhc.timeout
}
