// Package api exposes the plugin lifecycle over REST: registration, upgrades,
// enable/disable, analytics and function execution, guarded by bearer-token
// permissions and instrumented with Prometheus metrics.
package api
