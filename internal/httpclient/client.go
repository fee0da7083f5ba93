// Package httpclient talks to fingerprint repositories: uploads with retry
// and spooling, and credential checks.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"dissector/internal/config"
	"dissector/internal/fingerprint"
	"dissector/internal/metrics"
	"dissector/internal/spool"
)

var (
	ErrForbidden = errors.New("invalid credentials or no permission to upload fingerprints")
	// ErrSpooled wraps upload failures whose payload was kept for replay.
	ErrSpooled = errors.New("upload spooled")
)

// StatusError is an unexpected repository answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusInternalServerError {
		return "repository internal server error"
	}
	return fmt.Sprintf("repository answered HTTP %d", e.Code)
}

func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Options struct {
	Timeout            time.Duration
	RetryMax           int
	RetryBase          time.Duration
	InsecureSkipVerify bool
	Metrics            *metrics.Metrics
	// Spool receives uploads that failed after all retries. Optional.
	Spool *spool.Spool
	Log   *zap.SugaredLogger
}

type Client struct {
	retryMax   int
	retryBase  time.Duration
	metrics    *metrics.Metrics
	spool      *spool.Spool
	log        *zap.SugaredLogger
	httpClient *http.Client
}

func New(o Options) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if o.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	return &Client{
		retryMax:   o.RetryMax,
		retryBase:  o.RetryBase,
		metrics:    o.Metrics,
		spool:      o.Spool,
		log:        o.Log,
		httpClient: &http.Client{Timeout: o.Timeout, Transport: tr},
	}
}

// pending is the spooled form of an upload. Credentials are resolved again
// on replay and never written to disk.
type pending struct {
	Host        string          `json:"host"`
	Key         string          `json:"key"`
	Fingerprint json.RawMessage `json:"fingerprint"`
	SpooledAt   time.Time       `json:"spooled_at"`
}

// Upload sends fp to repo. Failures other than a refusal are spooled when a
// spool is configured, and reported wrapped in ErrSpooled.
func (c *Client) Upload(ctx context.Context, repo config.Repository, fp *fingerprint.Fingerprint) error {
	doc, err := fp.Indent()
	if err != nil {
		return err
	}
	err = c.postWithRetry(ctx, repo, fp.Key, doc)
	if err == nil {
		c.log.Infof("Upload success: fingerprint %s, URL: %s", fp.Key, QueryURL(repo.Host, fp.Key))
		return nil
	}
	if errors.Is(err, ErrForbidden) || c.spool == nil {
		return err
	}
	entry, merr := json.Marshal(pending{Host: repo.Host, Key: fp.Key, Fingerprint: doc, SpooledAt: time.Now().UTC()})
	if merr != nil {
		return errors.Join(err, merr)
	}
	if serr := c.spool.Enqueue(entry); serr != nil {
		c.metrics.IncSpoolDropped()
		return errors.Join(err, serr)
	}
	return fmt.Errorf("%w: %s: %v", ErrSpooled, fp.Key, err)
}

// Replay re-sends spooled uploads, oldest first, and returns how many were
// accepted. It stops at the first upload that still fails. Entries refused
// by their repository are discarded.
func (c *Client) Replay(ctx context.Context, resolve func(host string) (config.Repository, error)) (int, error) {
	if c.spool == nil {
		return 0, nil
	}
	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		path, data, err := c.spool.DequeueOldest()
		if errors.Is(err, spool.ErrEmpty) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		var p pending
		if err := json.Unmarshal(data, &p); err != nil {
			c.log.Warnf("discarding unreadable spool entry %s: %v", path, err)
			_ = c.spool.Ack(path)
			continue
		}
		repo, err := resolve(p.Host)
		if err != nil {
			return sent, err
		}
		err = c.postWithRetry(ctx, repo, p.Key, p.Fingerprint)
		switch {
		case errors.Is(err, ErrForbidden):
			c.log.Warnf("discarding spooled fingerprint %s: %v", p.Key, err)
		case err != nil:
			return sent, err
		default:
			sent++
			c.log.Infof("replayed fingerprint %s to %s", p.Key, repo.Host)
		}
		if err := c.spool.Ack(path); err != nil {
			return sent, err
		}
	}
}

func (c *Client) postWithRetry(ctx context.Context, repo config.Repository, key string, doc []byte) error {
	delays := backoffSchedule(c.retryBase, c.retryMax)
	var lastErr error
	for i := 0; i < len(delays); i++ {
		if i > 0 {
			c.log.Debugf("retrying upload of %s in %s: %v", key, delays[i], lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delays[i]):
			}
		}
		err := c.post(ctx, repo, key, doc)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *StatusError
		if errors.Is(err, ErrForbidden) || (errors.As(err, &se) && !se.retryable()) {
			return err
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, repo config.Repository, key string, doc []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	// repositories expect a capture part; the fingerprint document stands in
	// for it
	for _, part := range []string{"json", "pcap"} {
		w, err := mw.CreateFormFile(part, key+".json")
		if err != nil {
			return err
		}
		if _, err := w.Write(doc); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(repo.Host, "upload-file"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	setCredentials(req, repo)
	req.Header.Set("X-Filename", key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncUploadError("net")
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusCreated:
		c.metrics.IncUploads()
		return nil
	case http.StatusForbidden:
		c.metrics.IncUploadError(strconv.Itoa(resp.StatusCode))
		return ErrForbidden
	default:
		c.metrics.IncUploadError(strconv.Itoa(resp.StatusCode))
		return &StatusError{Code: resp.StatusCode}
	}
}

// RepositoryStatus is the outcome of a repository check.
type RepositoryStatus struct {
	Name   string
	Host   string
	Online bool
	// LoggedIn reports whether the credentials were accepted.
	LoggedIn bool
	Err      error
}

// Status checks that repo answers and accepts the configured credentials.
func (c *Client) Status(ctx context.Context, repo config.Repository) RepositoryStatus {
	st := RepositoryStatus{Name: repo.Name, Host: repo.Host}
	code, err := c.get(ctx, repo.Host, nil)
	if err != nil || code != http.StatusOK {
		st.Err = err
		if err == nil {
			st.Err = &StatusError{Code: code}
		}
		return st
	}
	st.Online = true
	code, err = c.get(ctx, endpoint(repo.Host, "my-permissions"), &repo)
	switch {
	case err != nil:
		st.Err = err
	case code == http.StatusOK:
		st.LoggedIn = true
	case code == http.StatusForbidden:
		st.Err = ErrForbidden
	default:
		st.Err = &StatusError{Code: code}
	}
	return st
}

func (c *Client) get(ctx context.Context, url string, repo *config.Repository) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if repo != nil {
		setCredentials(req, *repo)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func setCredentials(req *http.Request, repo config.Repository) {
	req.Header.Set("X-Username", repo.User)
	req.Header.Set("X-Password", repo.Passwd)
}

func endpoint(host, path string) string {
	return strings.TrimSuffix(host, "/") + "/" + path
}

// QueryURL is where a repository shows an uploaded fingerprint.
func QueryURL(host, key string) string {
	return endpoint(host, "query?q="+key)
}

func backoffSchedule(base time.Duration, max int) []time.Duration {
	if max <= 0 {
		max = 1
	}
	out := make([]time.Duration, 0, max)
	for i := 0; i < max; i++ {
		d := base * time.Duration(1<<i)
		out = append(out, jitter(d))
	}
	return out
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 30% jitter
	delta := int64(float64(d) * 0.3)
	if delta == 0 {
		return d
	}
	n := rand.Int64N(delta*2) - delta
	return time.Duration(int64(d) + n)
}
