package main

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
)

var logger = logging.New("archrelight-webhook")

// Prints enhance webhooks for local testing:
// archrelight serve & webhook, then POST /enhance with "webhook": "http://localhost:5150/".
func main() {
	log := logger.Sugar()
	addr := ":5150"
	if v, ok := os.LookupEnv("WEBHOOK_ADDR"); ok {
		addr = v
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body := must.Get(io.ReadAll(r.Body))
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			log.Infow("received", "method", r.Method, "path", r.URL.Path, "body", string(body))
		} else {
			log.Infow("received",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", payload["requestId"],
				"status", payload["status"],
				"images", payload["images"],
				"error", payload["error"],
			)
		}
		w.WriteHeader(http.StatusOK)
	})
	log.Infow("listening", "addr", addr)
	must.Do(http.ListenAndServe(addr, nil))
}
