package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradestream/config"
	"tradestream/logger"

	"golang.org/x/time/rate"
)

var (
	// ErrNotFound means the exchange has no archive for the requested day.
	ErrNotFound = errors.New("archive not found")
	// ErrSendRequest wraps transport failures reaching the exchange.
	ErrSendRequest = errors.New("failed to send request")
)

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// HTTPSource downloads trade archives. Requests share one client and one
// process wide limiter.
type HTTPSource struct {
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewHTTPSource builds a source from the reader configuration. A zero
// timeout leaves body reads unbounded so large archives can stream.
func NewHTTPSource(cfg *config.Config) *HTTPSource {
	rl := cfg.Reader.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPSource{
		client: &http.Client{
			Transport: userAgentTransport{agent: userAgent(cfg), base: transport},
			Timeout:   cfg.Reader.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// OpenArchive issues a GET for url and returns the response body on 2xx.
// The caller closes the body.
func (s *HTTPSource) OpenArchive(ctx context.Context, url string) (io.ReadCloser, error) {
	log := s.log.WithComponent("archive_source").WithFields(logger.Fields{"url": url})

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendRequest, err)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("archive request failed")
		return nil, fmt.Errorf("%w: %v", ErrSendRequest, err)
	}

	log = log.WithFields(logger.Fields{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		log.Debug("archive not found")
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		log.Warn("unexpected archive response status")
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	log.WithField("content_length", resp.ContentLength).Debug("archive opened")
	return resp.Body, nil
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

func userAgent(cfg *config.Config) string {
	return cfg.Tradestream.Name + "/" + cfg.Tradestream.Version
}
