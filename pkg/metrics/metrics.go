package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	decision      map[string]int64
	reason        map[string]int64
	registration  map[string]int64
	rebind        map[string]int64
	fraudReason   map[string]int64
	gauges        map[string]float64
	validateStats LatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Decisions          map[string]int64        `json:"decisions"`
	Reasons            map[string]int64        `json:"reasons"`
	Registrations      map[string]int64        `json:"registrations"`
	Rebinds            map[string]int64        `json:"rebinds"`
	FraudReports       map[string]int64        `json:"fraud_reports"`
	Gauges             map[string]float64      `json:"gauges"`
	SignatureLatencyMS LatencyStat             `json:"signature_validate_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		decision:     map[string]int64{},
		reason:       map[string]int64{},
		registration: map[string]int64{},
		rebind:       map[string]int64{},
		fraudReason:  map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func inc(mu *sync.RWMutex, m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	mu.Lock()
	m[key]++
	mu.Unlock()
}

// IncDecision counts policy decisions by enforcement level.
func (r *Registry) IncDecision(level string) { inc(&r.mu, r.decision, strings.ToUpper(level)) }

// IncReason counts signature validation outcomes by reason code.
func (r *Registry) IncReason(reason string) { inc(&r.mu, r.reason, reason) }

func (r *Registry) IncRegistration(outcome string) { inc(&r.mu, r.registration, outcome) }

func (r *Registry) IncRebind(outcome string) { inc(&r.mu, r.rebind, outcome) }

func (r *Registry) IncFraudReport(reasonCode string) {
	inc(&r.mu, r.fraudReason, strings.ToUpper(reasonCode))
}

// ObserveSignatureLatency also feeds the "signature.validate" histogram.
func (r *Registry) ObserveSignatureLatency(d time.Duration) {
	r.Histograms.ObserveDuration("signature.validate", d)
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validateStats.Count++
	r.validateStats.TotalMS += ms
	r.validateStats.LastMS = ms
	if ms > r.validateStats.MaxMS {
		r.validateStats.MaxMS = ms
	}
	r.validateStats.AvgMS = float64(r.validateStats.TotalMS) / float64(r.validateStats.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:          copyCounts(r.decision),
		Reasons:            copyCounts(r.reason),
		Registrations:      copyCounts(r.registration),
		Rebinds:            copyCounts(r.rebind),
		FraudReports:       copyCounts(r.fraudReason),
		Gauges:             make(map[string]float64, len(r.gauges)),
		SignatureLatencyMS: r.validateStats,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func writeFamily(b *strings.Builder, name, kind, help string, samples func()) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	samples()
}

func writeCounter(b *strings.Builder, name, help, label string, counts map[string]int64) {
	writeFamily(b, name, "counter", help, func() {
		for _, k := range SortedKeys(counts) {
			fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, counts[k])
		}
	})
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		endpoints := SortedKeys(snap.Endpoints)
		writeFamily(b, "aegis_endpoint_count", "counter", "total requests by endpoint", func() {
			for _, ep := range endpoints {
				fmt.Fprintf(b, "aegis_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
			}
		})
		writeFamily(b, "aegis_endpoint_error_count", "counter", "responses with status >= 400 by endpoint", func() {
			for _, ep := range endpoints {
				fmt.Fprintf(b, "aegis_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
			}
		})
		writeFamily(b, "aegis_endpoint_avg_millis", "gauge", "mean latency by endpoint", func() {
			for _, ep := range endpoints {
				fmt.Fprintf(b, "aegis_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
			}
		})
		writeFamily(b, "aegis_endpoint_max_millis", "gauge", "slowest request by endpoint", func() {
			for _, ep := range endpoints {
				fmt.Fprintf(b, "aegis_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
			}
		})
		writeCounter(b, "aegis_policy_decision_total", "policy decisions by enforcement level", "level", snap.Decisions)
		writeCounter(b, "aegis_signature_reason_total", "signature validations by reason code", "reason", snap.Reasons)
		writeCounter(b, "aegis_registration_total", "device registrations by outcome", "outcome", snap.Registrations)
		writeCounter(b, "aegis_rebind_total", "device rebinding attempts by outcome", "outcome", snap.Rebinds)
		writeCounter(b, "aegis_fraud_report_total", "fraud reports by reason code", "reason", snap.FraudReports)
		writeFamily(b, "aegis_gauge", "gauge", "operational gauges", func() {
			for _, name := range SortedKeys(snap.Gauges) {
				fmt.Fprintf(b, "aegis_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
			}
		})
		sig := snap.SignatureLatencyMS
		writeFamily(b, "aegis_signature_validate_latency_ms", "gauge", "signature validation latency", func() {
			fmt.Fprintf(b, "aegis_signature_validate_latency_ms{stat=\"last\"} %d\n", sig.LastMS)
			fmt.Fprintf(b, "aegis_signature_validate_latency_ms{stat=\"avg\"} %.3f\n", sig.AvgMS)
			fmt.Fprintf(b, "aegis_signature_validate_latency_ms{stat=\"max\"} %d\n", sig.MaxMS)
		})
		if len(snap.Histograms) > 0 {
			writeFamily(b, "aegis_latency_seconds", "histogram", "request and validation latency", func() {
				for _, h := range snap.Histograms {
					for _, bucket := range h.Buckets {
						fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
					}
					fmt.Fprintf(b, "aegis_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
					fmt.Fprintf(b, "aegis_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
					fmt.Fprintf(b, "aegis_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
				}
			})
			writeFamily(b, "aegis_latency_p95_seconds", "gauge", "bucket bound holding the 95th percentile", func() {
				for _, h := range snap.Histograms {
					fmt.Fprintf(b, "aegis_latency_p95_seconds{endpoint=%q} %g\n", h.Name, h.P95)
				}
			})
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
