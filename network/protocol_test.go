package network

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gogenaro/transfer"
)

func TestParseBridgeURLDefaultsPorts(t *testing.T) {
	cases := map[string]string{
		"http://bridge.example":          "http://bridge.example:80",
		"https://bridge.example":         "https://bridge.example:443",
		"HTTPS://bridge.example/":        "https://bridge.example:443",
		"http://127.0.0.1:8080":          "http://127.0.0.1:8080",
		"https://[::1]":                  "https://[::1]:443",
		"https://bridge.example/api/v1/": "https://bridge.example:443/api/v1",
	}
	for in, want := range cases {
		got, err := ParseBridgeURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseBridgeURLRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "bridge.example", "http://", "http://host:99999", "http://host:abc"} {
		_, err := ParseBridgeURL(in)
		assert.ErrorIs(t, err, ErrInvalidBridgeURL, in)
	}
}

func TestStatusErrorKeepsBridgeMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusNotFound)
	_, _ = rec.WriteString(`{"error":"bucket not found"}`)

	err := statusError(rec.Result())
	var engineErr *transfer.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 404, engineErr.StatusCode)
	assert.Equal(t, "Resource not found: bucket not found", err.Error())
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(429))
	assert.True(t, retryableStatus(503))
	assert.False(t, retryableStatus(404))
	assert.False(t, retryableStatus(420))
}
