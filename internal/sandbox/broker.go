package sandbox

import (
	"context"
	"log/slog"

	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/permission"
)

// Prompter asks the host user to approve a capability at runtime.
type Prompter interface {
	Prompt(ctx context.Context, pluginID string, c permission.Capability) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, pluginID string, c permission.Capability) (bool, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, pluginID string, c permission.Capability) (bool, error) {
	return f(ctx, pluginID, c)
}

// BindPermissions attaches the plugin's live permission set and the prompt used for
// runtime requests. The set is shared with the security context.
func (s *Sandbox) BindPermissions(set *permission.Set, prompter Prompter) {
	s.mu.Lock()
	if set != nil {
		s.perms = set
	}
	s.prompter = prompter
	s.mu.Unlock()
}

// HasPermission reports whether c is granted.
func (s *Sandbox) HasPermission(c permission.Capability) bool {
	s.mu.Lock()
	set := s.perms
	s.mu.Unlock()
	return set.Has(c)
}

// RequestPermission grants c for the rest of the session when the host user approves.
// Dangerous capabilities are refused without prompting.
func (s *Sandbox) RequestPermission(ctx context.Context, c permission.Capability) (bool, error) {
	s.mu.Lock()
	set, prompter := s.perms, s.prompter
	s.mu.Unlock()

	if set.Has(c) {
		return true, nil
	}
	audit := logger.AuditPlugin(s.id).With(slog.String("capability", string(c)))
	if permission.IsDangerous(c) {
		audit.Warn("runtime permission auto-denied")
		return false, nil
	}
	if prompter == nil {
		audit.Info("runtime permission denied: no prompter")
		return false, nil
	}
	ok, err := prompter.Prompt(ctx, s.id, c)
	if err != nil {
		return false, err
	}
	if ok {
		set.Add(c)
		audit.Info("runtime permission granted")
	} else {
		audit.Info("runtime permission refused by user")
	}
	return ok, nil
}
