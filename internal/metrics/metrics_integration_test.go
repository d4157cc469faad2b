package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func TestNew_RegistersServiceCollectors(t *testing.T) {
	p := New(Config{Build: BuildInfo{Version: "test"}})

	observability.IncStaleSketch()
	observability.ObserveUpstream("staging", nil, 0.010)
	observability.ObserveCacheOp("get", nil, 0.002)
	observability.IncJurisdictionCache("lru", "hit")
	observability.IncJurisdictionCache("redis", "miss")
	observability.IncKafka("produce", errors.New("broker down"))

	body := scrape(t, p)
	for _, s := range []string{
		`upstream_latency_seconds_bucket`,
		`cache_op_duration_seconds_count{op="get",outcome="ok"} 1`,
		`kafka_events_total{direction="produce",outcome="error"} 1`,
		"sketch_stale_total",
	} {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "jurisdiction_cache_total", `tier="lru"`, `result="hit"`)
	assertHasMetricLine(t, body, "jurisdiction_cache_total", `tier="redis"`, `result="miss"`)
	assertHasMetricLine(t, body, "promoter_build_info", `version="test"`)
}
