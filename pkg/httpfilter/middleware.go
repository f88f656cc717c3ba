package httpfilter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/firewall"
)

// Error codes written in blocked responses.
const (
	CodeBlocked     = "request_blocked"
	CodeRejected    = "request_rejected"
	CodeTooLarge    = "request_too_large"
	CodeUnavailable = "firewall_unavailable"
)

// PipelineSource yields the pipeline to evaluate for the next request.
type PipelineSource interface {
	Pipeline() *firewall.Pipeline
}

// AtomicSource holds a pipeline that can be swapped while requests are in
// flight. Each request sees exactly one pipeline.
type AtomicSource struct {
	p atomic.Pointer[firewall.Pipeline]
}

// NewAtomicSource returns a source holding p.
func NewAtomicSource(p *firewall.Pipeline) *AtomicSource {
	s := &AtomicSource{}
	s.p.Store(p)
	return s
}

// Pipeline implements PipelineSource.
func (s *AtomicSource) Pipeline() *firewall.Pipeline {
	return s.p.Load()
}

// Store replaces the pipeline.
func (s *AtomicSource) Store(p *firewall.Pipeline) {
	s.p.Store(p)
}

// Options configures Middleware.
type Options struct {
	Logger       *slog.Logger
	Metrics      *Metrics
	MaxFormBytes int64
}

// Middleware evaluates the current pipeline for every request. Without a
// pipeline the request is refused with 503.
func Middleware(source PipelineSource, opts Options) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pipeline := source.Pipeline()
			if pipeline == nil {
				logger.ErrorContext(r.Context(), "no firewall pipeline loaded")
				if opts.Metrics != nil {
					opts.Metrics.RecordDisposition("", DispositionUnavailable)
				}
				writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "Service unavailable")
				return
			}

			req, err := NewRequest(r, opts.MaxFormBytes)
			if err != nil {
				status, code := http.StatusBadRequest, CodeRejected
				if errors.Is(err, domain.ErrAvailability) && domain.ReasonOf(err) == ReasonFormTooLarge {
					status, code = http.StatusRequestEntityTooLarge, CodeTooLarge
				}
				logger.WarnContext(r.Context(), "request could not be adapted",
					"pipeline_id", pipeline.ID(),
					"remote_addr", remoteHost(r.RemoteAddr),
					"error", err,
				)
				if opts.Metrics != nil {
					opts.Metrics.RecordDisposition(pipeline.ID(), DispositionRejected)
				}
				writeError(w, r, status, code, "Request rejected")
				return
			}

			start := time.Now()
			verdict := pipeline.Evaluate(r.Context(), req, responseHeaders{w: w})
			if opts.Metrics != nil {
				opts.Metrics.RecordVerdict(pipeline.ID(), verdict, time.Since(start))
			}

			switch verdict.Final.Kind {
			case firewall.KindBlock:
				writeError(w, r, verdict.Final.StatusCode(), CodeBlocked, "Request blocked")
			case firewall.KindRedirect:
				http.Redirect(w, r, verdict.Final.Target, verdict.Final.StatusCode())
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// writeError writes the JSON error model. Input is never echoed.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
