package plugin

import (
	"OpenPlugin-Guard/internal/bus"
	"OpenPlugin-Guard/internal/compat"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/observability/alerting"
)

// Lifecycle events published on the bus by the manager.
const (
	EventRegistered    = "plugin:registered"
	EventUnregistered  = "plugin:unregistered"
	EventError         = "plugin:error"
	EventWarning       = "plugin:warning"
	EventLimitExceeded = "plugin:limit-exceeded"
)

// reservedPrefix is owned by the manager; plugins cannot emit under it.
const reservedPrefix = "plugin:"

// hostSource is the event source used for events the manager publishes.
const hostSource = "host"

// LifecycleEvent is the payload of every lifecycle event.
type LifecycleEvent struct {
	PluginID string         `json:"pluginId"`
	Version  string         `json:"version,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
	Details  []string       `json:"details,omitempty"`
	Warnings []compat.Issue `json:"warnings,omitempty"`
	Metric   string         `json:"metric,omitempty"`
	Value    float64        `json:"value,omitempty"`
	Limit    float64        `json:"limit,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// AlertEvents are the lifecycle events worth alerting on.
var AlertEvents = []string{EventError, EventLimitExceeded}

// ToAlert converts plugin:error and plugin:limit-exceeded events for the alerting dispatcher.
func ToAlert(ev bus.Event) (alerting.Event, bool) {
	le, ok := ev.Data.(LifecycleEvent)
	if !ok {
		return alerting.Event{}, false
	}
	switch ev.Name {
	case EventError:
		code := xerrors.Code(le.Code)
		if code == "" {
			code = xerrors.CodeUnknown
		}
		meta := map[string]string{"stage": le.Stage}
		if le.Metric != "" {
			meta["metric"] = le.Metric
		}
		return alerting.Event{
			Code:       code,
			Message:    le.Error,
			Severity:   xerrors.AttributesOf(code).Severity,
			PluginID:   le.PluginID,
			Kind:       ev.Name,
			Metadata:   meta,
			OccurredAt: ev.Time,
		}, true
	case EventLimitExceeded:
		return alerting.Event{
			Code:     xerrors.CodeQuotaExceeded,
			Message:  "resource limit exceeded: " + le.Metric,
			Severity: xerrors.SeverityWarning,
			PluginID: le.PluginID,
			Kind:     ev.Name,
			Metadata: map[string]string{"metric": le.Metric},
		}, true
	}
	return alerting.Event{}, false
}
