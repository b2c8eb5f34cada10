package server

import (
	"net/http"

	"github.com/replicate/go/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = logging.New("archrelight-server")

func NewServer(addr string, handler *Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewServeMux(handler),
	}
}

// NewServeMux routes the enhance API behind CORS and tracing middleware.
func NewServeMux(handler *Handler) http.Handler {
	serveMux := http.NewServeMux()
	serveMux.HandleFunc("GET /{$}", handler.Root)
	serveMux.HandleFunc("GET /health-check", handler.HealthCheck)
	serveMux.HandleFunc("POST /enhance", handler.Enhance)
	return otelhttp.NewHandler(cors(handler.cfg.AllowedOrigin, serveMux), "archrelight")
}

func cors(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Expose-Headers", "X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
