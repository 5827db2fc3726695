package quota

import (
	"strings"
	"time"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧮 错误归一化与冷却时间表
// =============================================================================

// enumerated network codes treated as ENET.
var netCodes = map[string]struct{}{
	types.CodeConnReset:         {},
	types.CodeConnRefused:       {},
	types.CodeTimedOut:          {},
	types.CodeDNSFailure:        {},
	types.CodeHeadersTimeout:    {},
	types.CodeStreamTimeout:     {},
	types.CodeStreamIdleTimeout: {},
	types.CodeStreamAborted:     {},
	types.CodeRequestCancelled:  {},
}

var netMessageMarkers = []string{
	"TIMEOUT",
	"FETCH FAILED",
	"SOCKET HANG UP",
	"TLS HANDSHAKE TIMEOUT",
}

// NormalizeErrorSeries 把一次上游错误归一化为错误系列。纯函数。
// 判定顺序：EFATAL → E429 → E5XX → ENET → EOTHER。
func NormalizeErrorSeries(httpStatus int, code, message string, fatal bool) types.Series {
	upperCode := strings.ToUpper(code)

	if fatal ||
		strings.Contains(upperCode, "AUTH") ||
		strings.Contains(upperCode, "UNAUTHORIZED") ||
		strings.Contains(upperCode, "CONFIG") ||
		strings.Contains(upperCode, "FATAL") {
		return types.SeriesEFATAL
	}

	if httpStatus == 429 ||
		strings.Contains(upperCode, "RATE") ||
		strings.Contains(upperCode, "QUOTA") ||
		strings.Contains(upperCode, "429") {
		return types.SeriesE429
	}

	if httpStatus >= 500 && httpStatus < 600 {
		return types.SeriesE5XX
	}

	if _, ok := netCodes[upperCode]; ok {
		return types.SeriesENET
	}
	upperMsg := strings.ToUpper(message)
	for _, marker := range netMessageMarkers {
		if strings.Contains(upperMsg, marker) {
			return types.SeriesENET
		}
	}

	return types.SeriesEOTHER
}

// 冷却时间表（按 consecutiveErrorCount-1 索引，越界时钳制到最后一档，不回绕）。
var (
	schedule429     = []time.Duration{3 * time.Second, 10 * time.Second, 31 * time.Second, 61 * time.Second}
	scheduleFatal   = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 3 * time.Hour}
	scheduleDefault = []time.Duration{3 * time.Second, 10 * time.Second, 31 * time.Second, 61 * time.Second}
)

// CooldownSchedule 返回指定错误系列的冷却时间表。
func CooldownSchedule(series types.Series) []time.Duration {
	switch series {
	case types.SeriesE429:
		return schedule429
	case types.SeriesEFATAL:
		return scheduleFatal
	default:
		return scheduleDefault
	}
}

// cooldownStep 取第 count 次连续错误对应的冷却时长（钳制到最后一档）。
func cooldownStep(series types.Series, count int) time.Duration {
	sched := CooldownSchedule(series)
	idx := count - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return sched[idx]
}
