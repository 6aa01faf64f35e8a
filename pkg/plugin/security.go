package plugin

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"OpenPlugin-Guard/internal/contentsec"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/internal/observability/metrics"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/permission"
)

// Outcomes recorded for every guarded call.
const (
	outcomeAllowed   = "allowed"
	outcomeDenied    = "denied"
	outcomeThrottled = "throttled"
	outcomeRejected  = "rejected"
)

// SecurityContext binds one plugin to its live permission set, the shared monitor and
// the shared content filter.
type SecurityContext struct {
	PluginID    string
	Permissions *permission.Set
	Monitor     *monitor.Monitor
	Filter      *contentsec.Filter

	stats *counters
}

type counters struct {
	calls      atomic.Int64
	denied     atomic.Int64
	throttled  atomic.Int64
	limits     atomic.Int64
	executions atomic.Int64
	errors     atomic.Int64
}

// NewSecurityContext creates the context for a plugin. perms is shared, not copied, so
// runtime grants are visible to every holder.
func NewSecurityContext(pluginID string, perms *permission.Set, mon *monitor.Monitor, filter *contentsec.Filter) *SecurityContext {
	if perms == nil {
		perms = permission.NewSet()
	}
	return &SecurityContext{
		PluginID:    pluginID,
		Permissions: perms,
		Monitor:     mon,
		Filter:      filter,
		stats:       &counters{},
	}
}

// Guard checks the capability first and only then counts the call against the quota,
// so a denied call never consumes quota. A plugin already over any ceiling is refused
// until the monitor sees it back under.
func (s *SecurityContext) Guard(c permission.Capability) error {
	if !s.Permissions.Has(c) {
		s.stats.denied.Add(1)
		metrics.ObserveAPICall(s.PluginID, string(c), outcomeDenied)
		logger.AuditPlugin(s.PluginID).Warn("plugin api call denied", slog.String("capability", string(c)))
		return xerrors.New(xerrors.CodePermissionDenied,
			fmt.Sprintf("plugin %s lacks permission %s", s.PluginID, c),
			xerrors.WithPlugin(s.PluginID),
			xerrors.WithMetadata("capability", string(c)))
	}
	if metric, over := s.Monitor.Exceeded(s.PluginID); over {
		s.stats.throttled.Add(1)
		metrics.ObserveAPICall(s.PluginID, string(c), outcomeThrottled)
		return xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("plugin %s is over its %s limit", s.PluginID, metric),
			xerrors.WithPlugin(s.PluginID),
			xerrors.WithMetadata("capability", string(c)),
			xerrors.WithMetadata("metric", metric))
	}
	if !s.Monitor.TrackAPICall(s.PluginID) {
		s.stats.throttled.Add(1)
		metrics.ObserveAPICall(s.PluginID, string(c), outcomeThrottled)
		return xerrors.New(xerrors.CodeQuotaExceeded,
			fmt.Sprintf("plugin %s exceeded its API call quota", s.PluginID),
			xerrors.WithPlugin(s.PluginID),
			xerrors.WithMetadata("capability", string(c)),
			xerrors.WithMetadata("metric", monitor.MetricAPICalls))
	}
	s.stats.calls.Add(1)
	metrics.ObserveAPICall(s.PluginID, string(c), outcomeAllowed)
	return nil
}

// reject reports content refused by the filter.
func (s *SecurityContext) reject(c permission.Capability, what string) error {
	metrics.ObserveAPICall(s.PluginID, string(c), outcomeRejected)
	logger.AuditPlugin(s.PluginID).Warn("plugin content rejected",
		slog.String("capability", string(c)),
		slog.String("content", what))
	return xerrors.New(xerrors.CodeContentRejected,
		fmt.Sprintf("%s rejected by content filter", what),
		xerrors.WithPlugin(s.PluginID))
}
