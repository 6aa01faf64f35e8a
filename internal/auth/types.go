package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的错误。
var (
	ErrDisabled       = errors.New("authentication disabled")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingToken   = errors.New("missing bearer token")
	ErrScopeDenied    = errors.New("scope denied")
	ErrWorkspaceScope = errors.New("workspace mismatch")
)

// Scope 是生命周期 API 的访问级别，高级别包含低级别。
type Scope string

const (
	ScopeRead    Scope = "plugins:read"
	ScopeExecute Scope = "plugins:execute"
	ScopeAdmin   Scope = "plugins:admin"
)

var scopeRank = map[Scope]int{ScopeRead: 1, ScopeExecute: 2, ScopeAdmin: 3}

// 宿主身份提供方下发的角色到访问级别的映射。
var roleScopes = map[string]Scope{
	"viewer":   ScopeRead,
	"operator": ScopeExecute,
	"admin":    ScopeAdmin,
}

// Subject 是通过认证的调用方。
type Subject struct {
	UserID    string   `json:"sub"`
	Workspace string   `json:"workspace,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Scopes    []Scope  `json:"scopes,omitempty"`
}

// level 返回主体拥有的最高访问级别。未知的 scope 与角色被忽略。
func (s *Subject) level() int {
	best := 0
	for _, sc := range s.Scopes {
		best = max(best, scopeRank[Scope(strings.ToLower(strings.TrimSpace(string(sc))))])
	}
	for _, role := range s.Roles {
		best = max(best, scopeRank[roleScopes[strings.ToLower(role)]])
	}
	return best
}

// Allows 判断主体是否拥有 scope 级别的访问权。
func (s *Subject) Allows(scope Scope) bool {
	need, ok := scopeRank[scope]
	if s == nil || !ok {
		return false
	}
	return s.level() >= need
}

// Authorize 校验访问级别和工作区。workspace 为空表示请求不限定工作区；
// 不带工作区的主体是全局管理员，可以访问任意工作区。
func (s *Subject) Authorize(scope Scope, workspace string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if !s.Allows(scope) {
		return fmt.Errorf("%w: %s requires %s", ErrScopeDenied, s.UserID, scope)
	}
	if workspace != "" && s.Workspace != "" && !strings.EqualFold(workspace, s.Workspace) {
		return fmt.Errorf("%w: %s belongs to %s", ErrWorkspaceScope, s.UserID, s.Workspace)
	}
	return nil
}

// Config 配置身份认证服务。
type Config struct {
	Mode Mode       `yaml:"mode" json:"mode"`
	JWT  JWTOptions `yaml:"jwt" json:"jwt"`
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions 是 HS256 令牌的参数。
type JWTOptions struct {
	Secret   string   `yaml:"secret" json:"secret"`
	Issuer   string   `yaml:"issuer" json:"issuer"`
	Audience []string `yaml:"audience" json:"audience"`
	// AccessTTL 单位为秒，仅在签发令牌时使用。
	AccessTTL int64 `yaml:"access_ttl" json:"access_ttl"`
}
