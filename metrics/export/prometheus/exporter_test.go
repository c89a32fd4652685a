package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/goAuthenticator"
)

type fakeSource struct {
	snapshot goAuthenticator.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() goAuthenticator.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                             { return f.dropped }

type noopStore struct{}

func (noopStore) Persist(context.Context, *goAuthenticator.Mechanism) (goAuthenticator.StoreHandle, error) {
	return "", nil
}

func (noopStore) Delete(context.Context, goAuthenticator.StoreHandle) error { return nil }

func scrape(t *testing.T, exp *PrometheusExporter) (string, *http.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body), res
}

func TestScrapeEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthenticator.MetricsSnapshot{
			Counters:   map[goAuthenticator.MetricID]uint64{},
			Histograms: map[goAuthenticator.MetricID][]uint64{},
		},
	})

	if out, _ := scrape(t, exp); strings.Contains(out, "goauthenticator_") {
		t.Fatalf("expected no series for disabled metrics, got:\n%s", out)
	}
}

func TestScrapeIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goAuthenticator.MetricsSnapshot{
			Counters: map[goAuthenticator.MetricID]uint64{
				goAuthenticator.MetricBuildSuccess: 7,
			},
			Histograms: map[goAuthenticator.MetricID][]uint64{
				goAuthenticator.MetricBuildLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out, res := scrape(t, exp)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if got := res.Header.Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	for _, want := range []string{
		"goauthenticator_build_success_total 7",
		"goauthenticator_build_malformed_total 0",
		`goauthenticator_build_latency_seconds_bucket{le="0.005"} 1`,
		`goauthenticator_build_latency_seconds_bucket{le="+Inf"} 36`,
		"goauthenticator_build_latency_seconds_count 36",
		"goauthenticator_audit_dropped_total 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestExporterReadsLiveRegistry(t *testing.T) {
	r, err := goAuthenticator.New().WithOTP().Build()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	defer r.Close()

	err = r.Build(context.Background(), "ftp://unsupported", noopStore{}, goAuthenticator.NewIdentityModel(), func(goAuthenticator.BuildResult) {})
	if !errors.Is(err, goAuthenticator.ErrUnsupportedMechanismKind) {
		t.Fatalf("expected ErrUnsupportedMechanismKind, got %v", err)
	}

	out, _ := scrape(t, NewPrometheusExporter(r))
	if !strings.Contains(out, "goauthenticator_build_unsupported_total 1") {
		t.Fatalf("expected unsupported counter, got:\n%s", out)
	}
}
