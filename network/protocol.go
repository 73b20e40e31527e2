package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gogenaro/transfer"
)

const (
	// DefaultRequestTimeout bounds a single bridge API call.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxRetries is the retry budget for idempotent bridge calls.
	DefaultMaxRetries = 3
	// DefaultUserAgent identifies the client to the bridge.
	DefaultUserAgent = "gogenaro"
	// MaxErrorBodySize caps how much of an error response is read.
	MaxErrorBodySize = 64 * 1024
)

// Bridge request headers. Signature headers are defined by the crypto package.
const (
	HeaderFileName = "x-filename"
	HeaderIndex    = "x-index"
	HeaderFileID   = "x-file-id"
	HeaderRSAKey   = "x-rsa-key"
	HeaderRSACtr   = "x-rsa-ctr"
)

var (
	// ErrInvalidBridgeURL indicates a bridge URL that cannot be used.
	ErrInvalidBridgeURL = errors.New("network: invalid bridge url")
	// ErrUnexpectedResponse indicates a response body that could not be decoded.
	ErrUnexpectedResponse = errors.New("network: unexpected bridge response")
)

// ErrorBody is the JSON body of a failed bridge call.
type ErrorBody struct {
	Error string `json:"error"`
}

// BucketRequest is the body of create and rename bucket calls.
type BucketRequest struct {
	Name string `json:"name"`
}

// UploadResponse is returned after a file upload.
type UploadResponse struct {
	ID string `json:"id"`
}

// ParseBridgeURL validates proto://host[:port] and fills in the default port:
// 80 for http, 443 otherwise.
func ParseBridgeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidBridgeURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBridgeURL, err)
	}
	if parsed.Scheme == "" || parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q must be proto://host[:port]", ErrInvalidBridgeURL, raw)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	port := parsed.Port()
	if port == "" {
		port = "443"
		if parsed.Scheme == "http" {
			port = "80"
		}
	} else if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("%w: port %q", ErrInvalidBridgeURL, port)
	}

	host := parsed.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return &url.URL{
		Scheme: parsed.Scheme,
		Host:   host + ":" + port,
		Path:   strings.TrimRight(parsed.Path, "/"),
	}, nil
}

// statusError converts a non-2xx response into a transfer.EngineError,
// keeping the bridge's own message when it sent one.
func statusError(resp *http.Response) error {
	engineErr := transfer.StatusError(resp.StatusCode)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
	var body ErrorBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil && body.Error != "" {
		engineErr.Err = errors.New(body.Error)
	}
	return engineErr
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
