package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// 运维接口使用的权限。
const (
	// PermissionRead 允许查询智能体、组合、事件与历史。
	PermissionRead = "fleet:read"
	// PermissionOperate 允许生命周期操作、召回、分配与修改任务。
	PermissionOperate = "fleet:operate"
)

// Subject 是通过认证的调用方，经由上下文传给请求处理器。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool
	ExpiresAt   time.Time

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// fleet:operate implies fleet:read.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	permission = strings.ToLower(strings.TrimSpace(permission))
	if _, ok := s.permissionsSet[permission]; ok {
		return true
	}
	if permission == PermissionRead {
		_, ok := s.permissionsSet[PermissionOperate]
		return ok
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
	ModeJWT      Mode = "jwt"
)

// APIKey 是一个静态运维密钥。
type APIKey struct {
	Name        string
	Key         string
	Permissions []string
	Disabled    bool
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	// Keys 在 apikey 模式下使用。
	Keys []APIKey
	// Secret 是 jwt 模式下 HS256 的签名密钥。
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}
