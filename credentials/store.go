package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔑 CredentialStore — 凭证解析
// =============================================================================

// 凭证变体。
const (
	VariantAPIKey      = "apikey"
	VariantBearer      = "bearer"
	VariantOAuth       = "oauth"
	VariantCookie      = "cookie"
	VariantDeepseek    = "deepseek-account"
	VariantAntigravity = "antigravity-oauth"
)

// Materialized 是一次解析得到的当前认证材料。
// ScopeTag 区分凭证别名，供配额中心按凭证分片（如 "glm#alias2"）。
type Materialized struct {
	Variant     string
	HeaderName  string
	HeaderValue string
	ScopeTag    string
	ExpiresAt   time.Time
}

// RefreshHint 在 token 临近过期时带外发出；刷新本身不在核心职责内。
type RefreshHint struct {
	ProviderID string
	ScopeTag   string
	TokenFile  string
	ExpiresAt  time.Time
}

// Options Store 配置。
type Options struct {
	// RefreshSkew 距过期多近时发出刷新提示
	RefreshSkew time.Duration
	Logger      *zap.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = 2 * time.Minute
	}
	return opts
}

// Store 按需物化凭证。token-file 变体每次请求从磁盘读取，
// 以 (path, mtime) 为键缓存解析结果，外部刷新无需重启即可生效。
type Store struct {
	view  *config.View
	opts  Options
	hints chan RefreshHint

	mu    sync.Mutex
	files map[string]*fileEntry
}

// fileEntry 按 (path, mtime) 缓存一个 token 文件的解析结果。
// 每个文件一把细粒度锁。
type fileEntry struct {
	mu        sync.Mutex
	mtime     time.Time
	token     string
	expiresAt time.Time
}

// NewStore 创建凭证存储。
func NewStore(view *config.View, opts Options) *Store {
	return &Store{
		view:  view,
		opts:  normalizeOptions(opts),
		hints: make(chan RefreshHint, 64),
		files: make(map[string]*fileEntry),
	}
}

// SetView 切换到新的配置投影（reload 时调用）。在途的 Resolve
// 结果不受影响。
func (s *Store) SetView(view *config.View) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
}

// RefreshHints 返回带外刷新提示通道。
func (s *Store) RefreshHints() <-chan RefreshHint {
	return s.hints
}

// Resolve 将 provider 的认证描述符解析为当前认证材料。
// 文件缺失或损坏返回 MissingCredential（EFATAL，调用方不得按可重试处理）。
func (s *Store) Resolve(providerID, routeHint string) (Materialized, error) {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	provider, ok := view.Provider(providerID)
	if !ok {
		return Materialized{}, missingCredential(providerID, fmt.Sprintf("unknown provider %q", providerID))
	}

	desc := provider.Auth
	var cred *config.CredentialConfig
	if desc.Credential != "" {
		cred, ok = view.Credential(desc.Credential)
		if !ok {
			return Materialized{}, missingCredential(providerID, fmt.Sprintf("credential ref %q not found", desc.Credential))
		}
	}

	variant := desc.Type
	if cred != nil && cred.Type != "" {
		variant = cred.Type
	}

	switch variant {
	case VariantAPIKey:
		return s.resolveAPIKey(providerID, desc, cred)
	case VariantBearer:
		return s.resolveBearer(providerID, cred)
	case VariantOAuth, VariantDeepseek, VariantAntigravity:
		return s.resolveTokenFile(providerID, variant, cred)
	case VariantCookie:
		return s.resolveCookie(providerID, cred)
	default:
		return Materialized{}, missingCredential(providerID, fmt.Sprintf("unsupported credential variant %q", variant))
	}
}

func (s *Store) resolveAPIKey(providerID string, desc config.AuthDescriptor, cred *config.CredentialConfig) (Materialized, error) {
	header := "Authorization"
	prefix := "Bearer "
	value := desc.APIKey
	if cred != nil {
		if cred.Header != "" {
			header = cred.Header
			prefix = ""
		}
		if cred.Prefix != "" {
			prefix = cred.Prefix
		}
		if cred.Value != "" {
			value = cred.Value
		}
	}
	if value == "" {
		return Materialized{}, missingCredential(providerID, "empty api key")
	}
	return Materialized{
		Variant:     VariantAPIKey,
		HeaderName:  header,
		HeaderValue: prefix + value,
		ScopeTag:    providerID,
	}, nil
}

func (s *Store) resolveBearer(providerID string, cred *config.CredentialConfig) (Materialized, error) {
	if cred == nil || cred.Token == "" {
		return Materialized{}, missingCredential(providerID, "bearer credential has no token")
	}
	expires := cred.ExpiresAt
	if expires.IsZero() {
		expires = jwtExpiry(cred.Token)
	}
	s.maybeHint(providerID, providerID, "", expires, cred)
	return Materialized{
		Variant:     VariantBearer,
		HeaderName:  "Authorization",
		HeaderValue: "Bearer " + cred.Token,
		ScopeTag:    providerID,
		ExpiresAt:   expires,
	}, nil
}

func (s *Store) resolveTokenFile(providerID, variant string, cred *config.CredentialConfig) (Materialized, error) {
	if cred == nil || cred.TokenFile == "" {
		return Materialized{}, missingCredential(providerID, variant+" credential has no token_file")
	}

	token, expires, err := s.readTokenFile(cred.TokenFile)
	if err != nil {
		return Materialized{}, missingCredential(providerID, err.Error())
	}

	scope := providerID
	if cred.Alias != "" {
		scope = providerID + "#" + cred.Alias
	}
	s.maybeHint(providerID, scope, cred.TokenFile, expires, cred)

	return Materialized{
		Variant:     variant,
		HeaderName:  "Authorization",
		HeaderValue: "Bearer " + token,
		ScopeTag:    scope,
		ExpiresAt:   expires,
	}, nil
}

func (s *Store) resolveCookie(providerID string, cred *config.CredentialConfig) (Materialized, error) {
	if cred == nil || cred.CookieFile == "" {
		return Materialized{}, missingCredential(providerID, "cookie credential has no cookie_file")
	}
	data, err := os.ReadFile(cred.CookieFile)
	if err != nil {
		return Materialized{}, missingCredential(providerID, fmt.Sprintf("read cookie file: %v", err))
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return Materialized{}, missingCredential(providerID, "cookie file is empty")
	}
	return Materialized{
		Variant:     VariantCookie,
		HeaderName:  "Cookie",
		HeaderValue: raw,
		ScopeTag:    providerID,
	}, nil
}

// tokenFilePayload token 文件的常见 JSON 形态。
type tokenFilePayload struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	APIKey      string `json:"api_key"`
	ExpiresAt   string `json:"expires_at"`
	ExpiredAt   string `json:"expired_at"`
	ExpiresIn   int64  `json:"expires_in"`
	CreatedAt   int64  `json:"created_at"`
}

// readTokenFile 读取并解析 token 文件，带 (path, mtime) 缓存。
func (s *Store) readTokenFile(path string) (string, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stat token file: %v", err)
	}

	s.mu.Lock()
	entry, ok := s.files[path]
	if !ok {
		entry = &fileEntry{}
		s.files[path] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.token != "" && entry.mtime.Equal(info.ModTime()) {
		return entry.token, entry.expiresAt, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token file: %v", err)
	}

	var payload tokenFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token file: %v", err)
	}

	token := payload.AccessToken
	if token == "" {
		token = payload.Token
	}
	if token == "" {
		token = payload.APIKey
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("token file has no usable token field")
	}

	expires := parseExpiry(payload)
	if expires.IsZero() {
		expires = jwtExpiry(token)
	}

	entry.mtime = info.ModTime()
	entry.token = token
	entry.expiresAt = expires
	return token, expires, nil
}

func parseExpiry(p tokenFilePayload) time.Time {
	for _, raw := range []string{p.ExpiresAt, p.ExpiredAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	if p.ExpiresIn > 0 && p.CreatedAt > 0 {
		return time.Unix(p.CreatedAt, 0).Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

// jwtExpiry 从 JWT 形态的 token 中取 exp 声明（不验证签名，只读取过期时间）。
func jwtExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// maybeHint 在 token 临近过期时发出带外刷新提示（非阻塞）。
func (s *Store) maybeHint(providerID, scope, tokenFile string, expires time.Time, cred *config.CredentialConfig) {
	if expires.IsZero() {
		return
	}
	skew := s.opts.RefreshSkew
	if cred != nil && cred.RefreshSkew > 0 {
		skew = cred.RefreshSkew
	}
	if time.Until(expires) > skew {
		return
	}
	hint := RefreshHint{ProviderID: providerID, ScopeTag: scope, TokenFile: tokenFile, ExpiresAt: expires}
	select {
	case s.hints <- hint:
	default:
		// 提示通道已满时丢弃；下次 Resolve 会再次发出
	}
	s.opts.Logger.Debug("credential near expiry",
		zap.String("provider", providerID),
		zap.String("scope", scope),
		zap.Time("expires_at", expires),
	)
}

// missingCredential 构造 EFATAL 的凭证缺失错误。凭证问题对所有候选
// 同样致命，切换 provider 无济于事，因此不标记 origin scope。
func missingCredential(providerID, msg string) *types.Error {
	return types.NewError(types.SeriesEFATAL, types.CodeMissingCredential, msg).
		WithKind(types.KindAuthFailure).
		WithProviderKey(providerID)
}
