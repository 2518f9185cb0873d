package channel

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimd "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. Empty paths disable the route.
type RouterOptions struct {
	Path        string       // channel endpoint, e.g. "/amf"
	HealthPath  string       // liveness probe, e.g. "/healthz"
	MetricsPath string       // e.g. "/metrics"
	Metrics     http.Handler // served on MetricsPath
	AccessLog   *zap.Logger
}

// NewRouter mounts ch on a chi router with request ids, panic recovery and
// access logging.
func NewRouter(ch *Channel, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(chimd.RequestID)
	r.Use(chimd.RealIP)
	r.Use(accessLog(opts.AccessLog))
	r.Use(chimd.Recoverer)

	path := opts.Path
	if path == "" {
		path = "/"
	}
	r.Handle(path, ch)

	if opts.HealthPath != "" {
		r.Get(opts.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("ok"))
		})
	}
	if opts.MetricsPath != "" && opts.Metrics != nil {
		r.Handle(opts.MetricsPath, opts.Metrics)
	}
	return r
}

func accessLog(l *zap.Logger) func(http.Handler) http.Handler {
	if l == nil {
		l = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				l.Info("http request",
					zap.String("requestId", chimd.GetReqID(r.Context())),
					zap.String("httpProto", r.Proto),
					zap.String("httpMethod", r.Method),
					zap.String("remoteAddr", r.RemoteAddr),
					zap.String("uri", r.URL.Path),
					zap.Duration("lat", time.Since(start)),
					zap.Int("responseSize", ww.BytesWritten()),
					zap.Int("status", ww.Status()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
