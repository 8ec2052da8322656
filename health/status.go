// Package health reports the health of supervised nodes as a tree of statuses
package health

import (
	"regexp"
	"strings"
	"time"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	redisURLRegex    = regexp.MustCompile(`rediss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one node and, optionally, its children
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the numbers a node reports alongside its status
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// FromError creates an unhealthy status whose message is err with addresses,
// paths and credentials masked
func FromError(component string, err error) Status {
	if err == nil {
		return NewUnhealthy(component, "failed")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// Aggregate folds own and subs into one status. The result takes the worst
// status among own and subs, and keeps own's message unless a sub is worse.
func Aggregate(own Status, subs []Status) Status {
	out := own
	out.SubStatuses = append([]Status(nil), subs...)

	worst := rank(own.Status)
	for _, sub := range subs {
		if r := rank(sub.Status); r > worst {
			worst = r
			out.Status = sub.Status
			out.Message = "child " + sub.Component + " is " + sub.Status
		}
	}
	out.Healthy = out.Status == StatusHealthy
	return out
}

func rank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Sanitize masks URLs, paths, IP addresses, ports and credentials in msg
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}

	// URLs before paths, they contain paths
	out := httpURLRegex.ReplaceAllString(msg, "[URL]")
	out = natsURLRegex.ReplaceAllString(out, "[URL]")
	out = redisURLRegex.ReplaceAllString(out, "[URL]")

	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = windowsPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
			break
		}
	}
	return out
}
