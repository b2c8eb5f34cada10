package util

import (
	"embed"
	"encoding/base32"
	"net/http"
	"strings"
	"time"

	"github.com/replicate/go/httpclient"
	"github.com/replicate/go/must"
	"github.com/replicate/go/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var idEncoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// RequestID returns a time-ordered id in the provider's prediction id style.
// The UUIDv7 bytes are interleaved so that ids sharing a millisecond do not
// share a prefix.
func RequestID() string {
	u := must.Get(uuid.NewV7())
	shuffle := make([]byte, uuid.Size)
	for i := 0; i < 4; i++ {
		shuffle[i], shuffle[i+4], shuffle[i+8], shuffle[i+12] = u[i+12], u[i+4], u[i], u[i+8]
	}
	return idEncoding.EncodeToString(shuffle)
}

const TimeLayout = "2006-01-02T15:04:05.999999-07:00"

func NowIso() string {
	return FormatTime(time.Now())
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Wildcard match in case version.txt is not generated yet
//
//go:embed *
var embedFS embed.FS

func Version() string {
	bs, err := embedFS.ReadFile("version.txt")
	if err != nil {
		return "0.0.0+unknown"
	}
	return strings.TrimSpace(string(bs))
}

// HTTPClient is traced but never retries, for calls that must not be
// repeated such as prediction submission.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPClientWithRetry is traced and retries failed requests, for webhook
// delivery and image probing.
func HTTPClientWithRetry() *http.Client {
	return httpclient.ApplyRetryPolicy(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}
