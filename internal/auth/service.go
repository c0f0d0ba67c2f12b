package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	xerrors "OpenMCP-Fleet/internal/errors"
)

const (
	defaultIssuer   = "openmcp-fleet"
	defaultTokenTTL = 12 * time.Hour
	minSecretLength = 32
)

// Claims 是运维令牌携带的声明。
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"perms"`
}

type keyEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 负责校验请求携带的凭据。
type Service struct {
	mode     Mode
	keys     []keyEntry
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

// NewService 根据配置构造认证服务，配置非法时返回 ConfigError。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{
		mode:     mode,
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
		now:      time.Now,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = defaultTokenTTL
	}

	switch mode {
	case ModeDisabled:
	case ModeAPIKey:
		if len(cfg.Keys) == 0 {
			return nil, xerrors.ConfigError("apikey 模式至少需要一个密钥")
		}
		for _, key := range cfg.Keys {
			if strings.TrimSpace(key.Key) == "" {
				return nil, xerrors.ConfigError("密钥 %s 为空", key.Name)
			}
			s.keys = append(s.keys, keyEntry{
				digest: sha256.Sum256([]byte(key.Key)),
				subject: Subject{
					Name:        key.Name,
					Permissions: append([]string(nil), key.Permissions...),
					Disabled:    key.Disabled,
				},
			})
		}
	case ModeJWT:
		if len(cfg.Secret) < minSecretLength {
			return nil, xerrors.ConfigError("jwt 密钥长度至少为 %d", minSecretLength)
		}
		s.secret = []byte(cfg.Secret)
	default:
		return nil, xerrors.ConfigError("未知的认证模式 %q", cfg.Mode)
	}
	return s, nil
}

// Mode 返回当前的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token := strings.TrimSpace(authorization)
	if len(token) < 7 || !strings.EqualFold(token[:7], "bearer ") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token[7:])
	if token == "" {
		return nil, ErrMissingToken
	}

	if s.mode == ModeAPIKey {
		return s.verifyKey(token)
	}
	return s.verifyJWT(token)
}

func (s *Service) verifyKey(token string) (*Subject, error) {
	digest := sha256.Sum256([]byte(token))
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			subject := s.keys[i].subject
			subject.permissionsSet = nil
			subject.normalise()
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Name: claims.Subject, Permissions: claims.Permissions}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	subject.normalise()
	return subject, nil
}

// IssueToken 签发运维令牌，仅在 jwt 模式下可用。ttl <= 0 时使用配置的默认时长。
func (s *Service) IssueToken(name string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrDisabled
	}
	if strings.TrimSpace(name) == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "令牌主体不能为空")
	}
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Permissions: append([]string(nil), permissions...),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, exp, nil
}
