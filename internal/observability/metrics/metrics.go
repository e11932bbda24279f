package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playout"

// Recorder owns a Prometheus registry with the collectors used by the
// orchestration service. Each Recorder is independent so tests can inspect
// values without touching the process-wide default.
type Recorder struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncPasses      *prometheus.CounterVec
	jobTransitions  *prometheus.CounterVec
	scheduleChanges *prometheus.CounterVec
	immediate       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	channelState    *prometheus.GaugeVec

	mu     sync.Mutex
	states map[channelKey]string
}

type channelKey struct {
	room    string
	channel string
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Reconciliation passes by pass name and outcome.",
		}, []string{"pass", "outcome"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Channel stack job status transitions.",
		}, []string{"kind", "status"}),
		scheduleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_actions_total",
			Help:      "Schedule actions submitted to the encoder.",
		}, []string{"operation"}),
		immediate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "immediate_switches_total",
			Help:      "Immediate switch requests by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Infrastructure and encoder notifications by source and outcome.",
		}, []string{"source", "outcome"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "Encoder channel state per room; 1 for the current state.",
		}, []string{"room", "channel", "state"}),
		states: make(map[channelKey]string),
	}
	r.registry.MustRegister(
		r.requestCount,
		r.requestDuration,
		r.syncPasses,
		r.jobTransitions,
		r.scheduleChanges,
		r.immediate,
		r.notifications,
		r.channelState,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Nil restores a fresh one.
func SetDefault(r *Recorder) {
	if r == nil {
		r = New()
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	path = normalizePath(path)
	r.requestCount.WithLabelValues(strings.ToUpper(method), path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(strings.ToUpper(method), path).Observe(duration.Seconds())
}

// ObserveSyncPass records the outcome of one reconciliation pass.
func (r *Recorder) ObserveSyncPass(pass string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.syncPasses.WithLabelValues(normalizeName(pass), outcome).Inc()
}

// ObserveSyncSkipped records a pass that did not run.
func (r *Recorder) ObserveSyncSkipped(pass string) {
	r.syncPasses.WithLabelValues(normalizeName(pass), "skipped").Inc()
}

// ObserveJobTransition records a create or delete job reaching a status.
func (r *Recorder) ObserveJobTransition(kind, status string) {
	r.jobTransitions.WithLabelValues(normalizeName(kind), strings.ToUpper(status)).Inc()
}

// ObserveScheduleChanges records deleted and created encoder actions.
func (r *Recorder) ObserveScheduleChanges(deleted, created int) {
	if deleted > 0 {
		r.scheduleChanges.WithLabelValues("delete").Add(float64(deleted))
	}
	if created > 0 {
		r.scheduleChanges.WithLabelValues("create").Add(float64(created))
	}
}

// ObserveImmediateSwitch records an immediate switch outcome.
func (r *Recorder) ObserveImmediateSwitch(outcome string) {
	r.immediate.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveNotification records a received notification.
func (r *Recorder) ObserveNotification(source, outcome string) {
	r.notifications.WithLabelValues(normalizeName(source), normalizeName(outcome)).Inc()
}

// SetChannelState publishes the current state of a room's encoder channel,
// clearing the series for the previously reported state.
func (r *Recorder) SetChannelState(room, channel, state string) {
	key := channelKey{room: room, channel: channel}
	state = strings.ToUpper(strings.TrimSpace(state))
	if state == "" {
		state = "UNKNOWN"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.states[key]; ok && previous != state {
		r.channelState.DeleteLabelValues(room, channel, previous)
	}
	r.states[key] = state
	r.channelState.WithLabelValues(room, channel, state).Set(1)
}

// ChannelState returns the last state published for a room's channel.
func (r *Recorder) ChannelState(room, channel string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[channelKey{room: room, channel: channel}]
	return state, ok
}

// ForgetChannel drops the channel series for rooms that no longer have a stack.
func (r *Recorder) ForgetChannel(room, channel string) {
	key := channelKey{room: room, channel: channel}
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.states[key]; ok {
		r.channelState.DeleteLabelValues(room, channel, previous)
		delete(r.states, key)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.Contains(path, "{") {
		return path
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 20 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler serves the default recorder.
func Handler() http.Handler {
	return Default().Handler()
}
