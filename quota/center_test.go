package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/types"
)

func testView(t *testing.T) *config.View {
	t.Helper()
	cfg := &config.CanonicalConfig{
		Providers: []config.ProviderConfig{
			{
				ID:      "glm",
				Family:  "glm",
				BaseURL: "https://glm.example.com",
				Auth:    config.AuthDescriptor{Type: "oauth", Credential: "glm-main"},
				Models:  map[string]config.ModelConfig{"glm-4.6": {}},
				Limits: config.QuotaLimits{
					RateLimitPerMinute: 3,
					TotalTokenLimit:    1_000,
				},
				PriorityTier: 1,
			},
			{
				ID:      "openai",
				Family:  "openai",
				BaseURL: "https://api.openai.com",
				Auth:    config.AuthDescriptor{Type: "apikey", APIKey: "sk-test"},
				Models:  map[string]config.ModelConfig{"gpt-4o": {}},
			},
		},
		Credentials: map[string]config.CredentialConfig{
			"glm-main": {Type: "oauth", TokenFile: "/tmp/none.json", Alias: "main"},
		},
		Routes: map[string][]config.RoutePoolConfig{
			"default": {{PoolID: "p1", Mode: "priority", Targets: []config.RouteTargetConfig{
				{Target: "glm.glm-4.6"}, {Target: "openai.gpt-4o"},
			}}},
		},
	}
	view, err := config.NewView(cfg, 1)
	require.NoError(t, err)
	return view
}

// ---- 事件处理 ----

func TestCenter_StateInheritsProviderLimits(t *testing.T) {
	c := NewCenter(testView(t), Options{})
	now := time.Now().UnixMilli()

	// providerKey 带凭证别名也能找回 provider 配置
	c.apply(UsageEvent{ProviderKey: "glm#main", RequestedTokens: 10, NowMs: now})

	st := c.Summary()["glm#main"]
	require.NotNil(t, st)
	assert.Equal(t, int64(3), st.RateLimitPerMinute)
	assert.Equal(t, int64(1_000), st.TotalTokenLimit)
	assert.Equal(t, 1, st.PriorityTier)
	assert.Equal(t, AuthOAuth, st.AuthType)
}

func TestCenter_ErrorEventNormalizesAndSinks(t *testing.T) {
	var records []ErrorRecord
	c := NewCenter(testView(t), Options{
		ErrorSink: func(rec ErrorRecord) { records = append(records, rec) },
	})
	now := time.Now().UnixMilli()

	c.apply(ErrorEvent{ProviderKey: "openai", HTTPStatus: 429, Code: "rate_limit_exceeded", NowMs: now})
	c.apply(ErrorEvent{ProviderKey: "openai", HTTPStatus: 429, Code: "rate_limit_exceeded", NowMs: now + 100})

	require.Len(t, records, 2)
	assert.Equal(t, types.SeriesE429, records[0].Series)
	assert.Equal(t, 1, records[0].Consecutive)
	assert.Equal(t, 2, records[1].Consecutive)

	elig := c.Eligible("openai", now+200)
	assert.False(t, elig.OK)
	assert.Equal(t, ReasonCooldown, elig.Reason)
}

func TestCenter_UnseenKeyIsEligible(t *testing.T) {
	c := NewCenter(testView(t), Options{})
	assert.True(t, c.Eligible("never-seen", time.Now().UnixMilli()).OK)
}

func TestCenter_ProviderEligibleAcrossShards(t *testing.T) {
	c := NewCenter(testView(t), Options{})
	now := time.Now().UnixMilli()

	// 两个凭证分片，其中一个冷却
	c.apply(UsageEvent{ProviderKey: "glm#a", RequestedTokens: 1, NowMs: now})
	c.apply(UsageEvent{ProviderKey: "glm#b", RequestedTokens: 1, NowMs: now})
	c.apply(ErrorEvent{ProviderKey: "glm#a", HTTPStatus: 429, NowMs: now})

	assert.True(t, c.ProviderEligible("glm", now+1), "仍有可用分片")

	c.apply(ErrorEvent{ProviderKey: "glm#b", HTTPStatus: 429, NowMs: now})
	assert.False(t, c.ProviderEligible("glm", now+1), "全部分片冷却")

	// 从未见过的 provider 视为可用
	assert.True(t, c.ProviderEligible("openai", now))
}

func TestCenter_SubmitAndFlushBarrier(t *testing.T) {
	c := NewCenter(testView(t), Options{TickInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	now := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		c.Submit(SuccessEvent{ProviderKey: "openai", UsedTokens: 7, NowMs: now})
	}
	c.Flush()

	st := c.Summary()["openai"]
	require.NotNil(t, st)
	assert.Equal(t, int64(70), st.TotalTokensUsed)
}

func TestCenter_BlacklistEventRoundTrip(t *testing.T) {
	c := NewCenter(testView(t), Options{TickInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	now := time.Now().UnixMilli()
	c.Submit(BlacklistEvent{ProviderKey: "glm#main", UntilMs: now + 60_000, NowMs: now})
	c.Flush()

	elig := c.Eligible("glm#main", now+1)
	assert.False(t, elig.OK)
	assert.Equal(t, ReasonBlacklist, elig.Reason)

	// 解除
	c.Submit(BlacklistEvent{ProviderKey: "glm#main", UntilMs: now, NowMs: now})
	c.Flush()
	assert.True(t, c.Eligible("glm#main", now+1).OK)
}

func TestCenter_LoadStatesRepairsOnInstall(t *testing.T) {
	c := NewCenter(testView(t), Options{})
	now := time.Now().UnixMilli()

	// 快照里是过期的冷却：装载即修复
	stale := map[string]*State{
		"openai": {
			InPool:        false,
			Reason:        ReasonCooldown,
			WindowStartMs: now - 120_000,
			CooldownUntil: now - 60_000,
		},
	}
	c.LoadStates(stale, now)

	assert.True(t, c.Eligible("openai", now).OK)
	st := c.Summary()["openai"]
	assert.True(t, st.InPool)
	assert.Equal(t, ReasonOK, st.Reason)
}

func TestCenter_SummaryIsDeepCopy(t *testing.T) {
	c := NewCenter(testView(t), Options{})
	now := time.Now().UnixMilli()
	c.apply(SuccessEvent{ProviderKey: "openai", UsedTokens: 5, NowMs: now})

	snap := c.Summary()
	snap["openai"].TotalTokensUsed = 999_999

	assert.Equal(t, int64(5), c.Summary()["openai"].TotalTokensUsed, "外部修改不应污染内部状态")
}

func TestProviderID(t *testing.T) {
	assert.Equal(t, "glm", ProviderID("glm#main"))
	assert.Equal(t, "glm", ProviderID("glm"))
	assert.Equal(t, "#odd", ProviderID("#odd"), "首字符 # 不拆")
}
