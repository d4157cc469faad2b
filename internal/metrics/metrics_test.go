package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p.Path(), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestNew_ExposesRuntimeBuildAndCapabilities(t *testing.T) {
	p := New(Config{
		Build:        BuildInfo{Version: "1.4.0", Revision: "abc123"},
		Capabilities: model.Capabilities{Jurisdiction: true},
		Layers:       map[string]string{"staging": "https://services.example/FeatureServer/0"},
	})
	body := scrape(t, p)

	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	assertHasMetricLine(t, body, "promoter_build_info", `version="1.4.0"`, `revision="abc123"`)
	for _, want := range []string{
		`promoter_capability_enabled{capability="jurisdiction"} 1`,
		`promoter_capability_enabled{capability="production"} 0`,
		`promoter_capability_enabled{capability="attachments"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q; got:\n%s", want, body)
		}
	}
	assertHasMetricLine(t, body, "promoter_layer_info", `role="staging"`)
}

func TestNew_DefaultPathAndDevVersion(t *testing.T) {
	p := New(Config{})
	if p.Path() != "/metrics" {
		t.Fatalf("path=%q", p.Path())
	}
	assertHasMetricLine(t, scrape(t, p), "promoter_build_info", `version="dev"`)
	if strings.Contains(scrape(t, p), "promoter_layer_info") {
		t.Fatal("layer info without layers")
	}

	if p := New(Config{Path: "/internal/metrics"}); p.Path() != "/internal/metrics" {
		t.Fatalf("path=%q", p.Path())
	}
}
