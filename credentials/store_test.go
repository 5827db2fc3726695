package credentials

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/types"
)

func storeView(t *testing.T, creds map[string]config.CredentialConfig, providers ...config.ProviderConfig) *config.View {
	t.Helper()
	cfg := &config.CanonicalConfig{
		Providers:   providers,
		Credentials: creds,
		Routes:      map[string][]config.RoutePoolConfig{"default": {}},
	}
	view, err := config.NewView(cfg, 1)
	require.NoError(t, err)
	return view
}

func writeTokenFile(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// 未签名的测试 JWT，只有 exp 声明有意义。
func testJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(data)
	}
	header := enc(map[string]string{"alg": "none", "typ": "JWT"})
	claims := enc(map[string]int64{"exp": exp.Unix()})
	return fmt.Sprintf("%s.%s.", header, claims)
}

// ---- apikey 变体 ----

func TestStore_ResolveInlineAPIKey(t *testing.T) {
	view := storeView(t, nil, config.ProviderConfig{
		ID: "openai", BaseURL: "https://api.openai.com",
		Auth:   config.AuthDescriptor{Type: "apikey", APIKey: "sk-test"},
		Models: map[string]config.ModelConfig{"gpt-4o": {}},
	})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("openai", "")
	require.NoError(t, err)
	assert.Equal(t, "Authorization", mat.HeaderName)
	assert.Equal(t, "Bearer sk-test", mat.HeaderValue)
	assert.Equal(t, "openai", mat.ScopeTag)
}

func TestStore_ResolveCustomHeaderAPIKey(t *testing.T) {
	view := storeView(t,
		map[string]config.CredentialConfig{
			"glm-key": {Type: "apikey", Header: "X-Api-Key", Value: "glm-secret"},
		},
		config.ProviderConfig{
			ID: "glm", BaseURL: "https://glm.example.com",
			Auth:   config.AuthDescriptor{Type: "apikey", Credential: "glm-key"},
			Models: map[string]config.ModelConfig{"glm-4.6": {}},
		})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("glm", "")
	require.NoError(t, err)
	assert.Equal(t, "X-Api-Key", mat.HeaderName)
	assert.Equal(t, "glm-secret", mat.HeaderValue, "自定义 header 不加 Bearer 前缀")
}

func TestStore_ResolveEmptyAPIKeyFails(t *testing.T) {
	view := storeView(t, nil, config.ProviderConfig{
		ID: "openai", BaseURL: "https://api.openai.com",
		Auth:   config.AuthDescriptor{Type: "apikey"},
		Models: map[string]config.ModelConfig{"gpt-4o": {}},
	})
	s := NewStore(view, Options{})

	_, err := s.Resolve("openai", "")
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.SeriesEFATAL, te.Series)
	assert.Equal(t, types.CodeMissingCredential, te.Code)
	assert.False(t, te.Retryable(), "凭证缺失不可按可重试处理")
}

// ---- token 文件变体 ----

func TestStore_ResolveOAuthTokenFile(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	path := writeTokenFile(t, map[string]any{
		"access_token": "oauth-token-1",
		"expires_at":   exp.Format(time.RFC3339),
	})
	view := storeView(t,
		map[string]config.CredentialConfig{
			"glm-main": {Type: "oauth", TokenFile: path, Alias: "main"},
		},
		config.ProviderConfig{
			ID: "glm", BaseURL: "https://glm.example.com",
			Auth:   config.AuthDescriptor{Type: "oauth", Credential: "glm-main"},
			Models: map[string]config.ModelConfig{"glm-4.6": {}},
		})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("glm", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-token-1", mat.HeaderValue)
	assert.Equal(t, "glm#main", mat.ScopeTag, "别名并入 scope tag")
	assert.True(t, exp.Equal(mat.ExpiresAt))
}

func TestStore_TokenFileCacheObservesRewrite(t *testing.T) {
	path := writeTokenFile(t, map[string]any{"access_token": "old-token"})
	view := storeView(t,
		map[string]config.CredentialConfig{
			"acct": {Type: "deepseek-account", TokenFile: path},
		},
		config.ProviderConfig{
			ID: "deepseek", BaseURL: "https://api.deepseek.com",
			Auth:   config.AuthDescriptor{Type: "deepseek-account", Credential: "acct"},
			Models: map[string]config.ModelConfig{"deepseek-chat": {}},
		})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("deepseek", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer old-token", mat.HeaderValue)

	// 外部刷新进程重写文件并推进 mtime
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"new-token"}`), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	mat, err = s.Resolve("deepseek", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer new-token", mat.HeaderValue, "mtime 变化后必须重读")
}

func TestStore_TokenFileMissingIsFatal(t *testing.T) {
	view := storeView(t,
		map[string]config.CredentialConfig{
			"acct": {Type: "oauth", TokenFile: filepath.Join(t.TempDir(), "absent.json")},
		},
		config.ProviderConfig{
			ID: "glm", BaseURL: "https://glm.example.com",
			Auth:   config.AuthDescriptor{Type: "oauth", Credential: "acct"},
			Models: map[string]config.ModelConfig{"glm-4.6": {}},
		})
	s := NewStore(view, Options{})

	_, err := s.Resolve("glm", "")
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.SeriesEFATAL, te.Series)
}

func TestStore_TokenFileGarbageIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not-json"), 0o600))
	view := storeView(t,
		map[string]config.CredentialConfig{
			"acct": {Type: "oauth", TokenFile: path},
		},
		config.ProviderConfig{
			ID: "glm", BaseURL: "https://glm.example.com",
			Auth:   config.AuthDescriptor{Type: "oauth", Credential: "acct"},
			Models: map[string]config.ModelConfig{"glm-4.6": {}},
		})
	s := NewStore(view, Options{})

	_, err := s.Resolve("glm", "")
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.CodeMissingCredential, te.Code)
}

// ---- bearer 变体与刷新提示 ----

func TestStore_BearerJWTExpiryAndHint(t *testing.T) {
	// exp 在 30 秒后，小于默认 2 分钟 skew，应发出刷新提示
	token := testJWT(t, time.Now().Add(30*time.Second))
	view := storeView(t,
		map[string]config.CredentialConfig{
			"jwt": {Type: "bearer", Token: token},
		},
		config.ProviderConfig{
			ID: "iflow", BaseURL: "https://iflow.example.com",
			Auth:   config.AuthDescriptor{Type: "bearer", Credential: "jwt"},
			Models: map[string]config.ModelConfig{"iflow-1": {}},
		})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("iflow", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), mat.ExpiresAt, 5*time.Second,
		"未显式给出 expires_at 时从 JWT exp 声明推断")

	select {
	case hint := <-s.RefreshHints():
		assert.Equal(t, "iflow", hint.ProviderID)
	default:
		t.Fatal("临近过期应发出刷新提示")
	}
}

func TestStore_NoHintWhenFarFromExpiry(t *testing.T) {
	token := testJWT(t, time.Now().Add(24*time.Hour))
	view := storeView(t,
		map[string]config.CredentialConfig{
			"jwt": {Type: "bearer", Token: token},
		},
		config.ProviderConfig{
			ID: "iflow", BaseURL: "https://iflow.example.com",
			Auth:   config.AuthDescriptor{Type: "bearer", Credential: "jwt"},
			Models: map[string]config.ModelConfig{"iflow-1": {}},
		})
	s := NewStore(view, Options{})

	_, err := s.Resolve("iflow", "")
	require.NoError(t, err)
	select {
	case <-s.RefreshHints():
		t.Fatal("距过期尚远不应发出提示")
	default:
	}
}

// ---- cookie 变体 ----

func TestStore_ResolveCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie.txt")
	require.NoError(t, os.WriteFile(path, []byte("session=abc123\n"), 0o600))
	view := storeView(t,
		map[string]config.CredentialConfig{
			"ck": {Type: "cookie", CookieFile: path},
		},
		config.ProviderConfig{
			ID: "lmstudio", BaseURL: "http://localhost:1234",
			Auth:   config.AuthDescriptor{Type: "cookie", Credential: "ck"},
			Models: map[string]config.ModelConfig{"local": {}},
		})
	s := NewStore(view, Options{})

	mat, err := s.Resolve("lmstudio", "")
	require.NoError(t, err)
	assert.Equal(t, "Cookie", mat.HeaderName)
	assert.Equal(t, "session=abc123", mat.HeaderValue)
}

func TestStore_UnknownProvider(t *testing.T) {
	view := storeView(t, nil, config.ProviderConfig{
		ID: "openai", BaseURL: "https://api.openai.com",
		Auth:   config.AuthDescriptor{Type: "apikey", APIKey: "sk"},
		Models: map[string]config.ModelConfig{"gpt-4o": {}},
	})
	s := NewStore(view, Options{})

	_, err := s.Resolve("nope", "")
	require.Error(t, err)
	te := types.AsError(err)
	assert.Equal(t, types.KindAuthFailure, te.Kind)
}
