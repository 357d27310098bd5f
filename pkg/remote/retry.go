package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// retryPolicy bounds how often and how fast a request is attempted.
type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
	limiter     *rate.Limiter
	log         logrus.FieldLogger
}

// retryDo executes an HTTP request with exponential backoff retry.
// Retries on network errors, HTTP 429, and HTTP 5xx responses.
// Does not retry other 4xx client errors.
// For requests with a body, the body is buffered and replayed on retry.
// Every object-store call is idempotent by digest, so replaying is safe.
func retryDo(ctx context.Context, client *http.Client, req *http.Request, p retryPolicy) (*http.Response, error) {
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.log == nil {
		p.log = discardLogger()
	}

	// Buffer body for replay on retry.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error
	backoff := p.backoff

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			p.log.WithFields(logrus.Fields{
				"method":  req.Method,
				"path":    req.URL.Path,
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Debug("retrying request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		// Reset body for each attempt.
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastResp = nil
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// Retryable: 429 or 5xx. Drain and close body before retry.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastResp = resp
		lastErr = nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	// The final body was drained; hand back an empty one so callers can
	// still read and close it.
	lastResp.Body = io.NopCloser(bytes.NewReader(nil))
	return lastResp, nil
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
