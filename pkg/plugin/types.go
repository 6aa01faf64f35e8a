package plugin

import (
	"time"

	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/pkg/permission"
)

// State represents the lifecycle position of a plugin.
type State string

const (
	StateUnregistered  State = "unregistered"
	StateVerifying     State = "verifying"
	StateLoading       State = "loading"
	StateActive        State = "active"
	StateUnregistering State = "unregistering"
	// StateDisabled marks an installed plugin whose runtime is not running.
	StateDisabled State = "disabled"
)

// Info describes a plugin known to the manager.
type Info struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Version      string                  `json:"version"`
	Author       string                  `json:"author"`
	Description  string                  `json:"description,omitempty"`
	State        State                   `json:"state"`
	Enabled      bool                    `json:"enabled"`
	Permissions  []permission.Capability `json:"permissions"`
	Functions    []string                `json:"functions,omitempty"`
	InstalledBy  string                  `json:"installedBy,omitempty"`
	Workspace    string                  `json:"workspace,omitempty"`
	RegisteredAt time.Time               `json:"registeredAt,omitempty"`
}

// Analytics summarises one plugin's activity since it was registered.
type Analytics struct {
	PluginID        string         `json:"pluginId"`
	APICalls        int64          `json:"apiCalls"`
	Denied          int64          `json:"denied"`
	Throttled       int64          `json:"throttled"`
	LimitViolations int64          `json:"limitViolations"`
	Executions      int64          `json:"executions"`
	Errors          int64          `json:"errors"`
	Usage           monitor.Usage  `json:"usage"`
	Limits          monitor.Limits `json:"limits"`
	Uptime          time.Duration  `json:"uptime"`
}

// RegisterOptions carries who asked for the registration.
type RegisterOptions struct {
	InstalledBy string
	Workspace   string
}
