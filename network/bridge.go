package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gogenaro/crypto"
	"gogenaro/logging"
	"gogenaro/models"
	"gogenaro/transfer"
)

// BridgeOptions configures a BridgeClient.
type BridgeOptions struct {
	// URL is proto://host[:port]; see ParseBridgeURL.
	URL string
	// SigningKey signs every request. Nil sends unsigned requests.
	SigningKey     ed25519.PrivateKey
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     uint64
	// RetryInterval is the first backoff delay between retries.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *logrus.Logger
}

func (o BridgeOptions) withDefaults() BridgeOptions {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 250 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	o.Logger = logging.Or(o.Logger)
	return o
}

// BridgeClient calls the bridge REST API.
type BridgeClient struct {
	base    *url.URL
	options BridgeOptions
	http    *http.Client
	logger  *logrus.Logger
}

// NewBridgeClient validates options and returns a client.
func NewBridgeClient(options BridgeOptions) (*BridgeClient, error) {
	opts := options.withDefaults()
	base, err := ParseBridgeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	return &BridgeClient{
		base:    base,
		options: opts,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
	}, nil
}

// URL returns the normalized bridge URL.
func (c *BridgeClient) URL() string {
	return c.base.String()
}

// GetInfo returns the bridge's self description.
func (c *BridgeClient) GetInfo(ctx context.Context) (models.BridgeInfo, error) {
	var info models.BridgeInfo
	err := c.doJSON(ctx, http.MethodGet, "/", nil, &info)
	return info, err
}

// GetBuckets lists the account's buckets with names as stored on the bridge.
func (c *BridgeClient) GetBuckets(ctx context.Context) ([]models.Bucket, error) {
	buckets := make([]models.Bucket, 0)
	err := c.doJSON(ctx, http.MethodGet, "/buckets", nil, &buckets)
	return buckets, err
}

// CreateBucket creates a bucket with an already encrypted name.
func (c *BridgeClient) CreateBucket(ctx context.Context, encryptedName string) (models.Bucket, error) {
	var bucket models.Bucket
	err := c.doJSON(ctx, http.MethodPost, "/buckets", BucketRequest{Name: encryptedName}, &bucket)
	return bucket, err
}

// DeleteBucket removes a bucket.
func (c *BridgeClient) DeleteBucket(ctx context.Context, bucketID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/buckets/"+url.PathEscape(bucketID), nil, nil)
}

// RenameBucket sets a bucket's (encrypted) name.
func (c *BridgeClient) RenameBucket(ctx context.Context, bucketID, encryptedName string) error {
	return c.doJSON(ctx, http.MethodPatch, "/buckets/"+url.PathEscape(bucketID), BucketRequest{Name: encryptedName}, nil)
}

// ListFiles lists a bucket's files with names as stored on the bridge.
func (c *BridgeClient) ListFiles(ctx context.Context, bucketID string) ([]models.File, error) {
	files := make([]models.File, 0)
	err := c.doJSON(ctx, http.MethodGet, "/buckets/"+url.PathEscape(bucketID)+"/files", nil, &files)
	return files, err
}

// DeleteFile removes a file from a bucket.
func (c *BridgeClient) DeleteFile(ctx context.Context, bucketID, fileID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/buckets/"+url.PathEscape(bucketID)+"/files/"+url.PathEscape(fileID), nil, nil)
}

// UploadMetadata is sent alongside uploaded content.
type UploadMetadata struct {
	// Name is the encrypted file name.
	Name string
	// Index is the hex file index.
	Index string
	// RSAKey and RSACtr are optional wrapped key material, sent hex encoded.
	RSAKey []byte
	RSACtr []byte
}

// UploadFile streams encrypted content into a bucket and returns the new file ID.
// Uploads are not retried because body cannot be replayed.
func (c *BridgeClient) UploadFile(ctx context.Context, bucketID string, meta UploadMetadata, size int64, body io.Reader) (string, error) {
	path := "/buckets/" + url.PathEscape(bucketID) + "/files"
	req, err := c.newRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderFileName, meta.Name)
	req.Header.Set(HeaderIndex, meta.Index)
	if len(meta.RSAKey) > 0 {
		req.Header.Set(HeaderRSAKey, hex.EncodeToString(meta.RSAKey))
	}
	if len(meta.RSACtr) > 0 {
		req.Header.Set(HeaderRSACtr, hex.EncodeToString(meta.RSACtr))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError(resp)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: upload response: %v", ErrUnexpectedResponse, err)
	}
	return out.ID, nil
}

// FileStream is an open download.
type FileStream struct {
	Body io.ReadCloser
	// Index is the hex file index reported by the bridge, empty if none.
	Index string
	// Size is the content length, or -1 when unknown.
	Size int64
}

// OpenFile starts downloading a file's encrypted content. The caller closes Body.
func (c *BridgeClient) OpenFile(ctx context.Context, bucketID, fileID string) (*FileStream, error) {
	path := "/buckets/" + url.PathEscape(bucketID) + "/files/" + url.PathEscape(fileID)

	var stream *FileStream
	err := c.retry(ctx, path, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return ctx.Err() == nil, transportError(ctx, err)
		}
		if resp.StatusCode/100 != 2 {
			defer resp.Body.Close()
			return retryableStatus(resp.StatusCode), statusError(resp)
		}

		stream = &FileStream{Body: resp.Body, Index: resp.Header.Get(HeaderIndex), Size: resp.ContentLength}
		return false, nil
	})
	return stream, err
}

func (c *BridgeClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = encoded
	}

	attempt := func() (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return false, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return ctx.Err() == nil, transportError(ctx, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return retryableStatus(resp.StatusCode), statusError(resp)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("%w: %s %s: %v", ErrUnexpectedResponse, method, path, err)
		}
		return false, nil
	}

	// Only reads are retried; writes may have been applied before a failure.
	if method != http.MethodGet {
		_, err := attempt()
		return err
	}
	return c.retry(ctx, path, attempt)
}

// retry runs attempt with exponential backoff while it reports a retryable
// failure and ctx is live. The last error is returned.
func (c *BridgeClient) retry(ctx context.Context, path string, attempt func() (retryable bool, err error)) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.options.RetryInterval
	exponential.MaxElapsedTime = 0

	var final error
	tries := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, c.options.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		tries++
		retryable, err := attempt()
		if err != nil && retryable && ctx.Err() == nil {
			c.logger.WithFields(logrus.Fields{
				"function": "retry",
				"path":     path,
				"attempt":  tries,
				"error":    err.Error(),
			}).Debug("Retrying bridge request")
			return err
		}
		final = err
		return nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return transportError(ctx, err)
		}
		return err
	}
	return final
}

func (c *BridgeClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("User-Agent", c.options.UserAgent)
	req.Header.Set("Accept", "application/json")

	if c.options.SigningKey != nil {
		nonce := uuid.NewString()
		signature, err := crypto.SignRequest(c.options.SigningKey, method, req.URL.EscapedPath(), nonce)
		if err != nil {
			return nil, fmt.Errorf("sign %s %s: %w", method, path, err)
		}
		req.Header.Set(crypto.HeaderPublicKey, crypto.PublicKeyHex(c.options.SigningKey))
		req.Header.Set(crypto.HeaderNonce, nonce)
		req.Header.Set(crypto.HeaderSignature, signature)
	}
	return req, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return &transfer.EngineError{Category: transfer.CategoryCancelled, Message: "Request cancelled", Err: ctxErr}
		}
		return transfer.NetworkError(ctxErr)
	}
	return transfer.NetworkError(err)
}
