package backup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Compile-time interface guard.
var _ Sink = (*HTTPUpload)(nil)

const defaultUploadAttempts = 3

// HTTPUpload PUTs archives to URL. A "{name}" placeholder in URL is
// replaced by the escaped target path, otherwise the path is appended.
// This covers presigned object storage URLs and plain WebDAV servers.
type HTTPUpload struct {
	URL      string
	Token    string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
}

func (h *HTTPUpload) Name() string { return "http" }

// Endpoint is the URL an archive with the given target path is sent to.
func (h *HTTPUpload) Endpoint(targetPath string) string {
	segs := strings.Split(strings.Trim(targetPath, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	name := strings.Join(segs, "/")
	if strings.Contains(h.URL, "{name}") {
		return strings.ReplaceAll(h.URL, "{name}", name)
	}
	return strings.TrimRight(h.URL, "/") + "/" + name
}

func (h *HTTPUpload) Backup(ctx context.Context, sourcePath, targetPath string) (string, error) {
	endpoint := h.Endpoint(targetPath)
	attempts := h.Attempts
	if attempts == 0 {
		attempts = defaultUploadAttempts
	}
	delay := h.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	err := retry.Do(func() error {
		if ctx.Err() != nil {
			return nil
		}
		return h.put(ctx, sourcePath, endpoint)
	}, retry.Attempts(attempts), retry.Delay(delay), retry.MaxDelay(30*time.Second))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("http: upload %s: %w", redact(endpoint), err)
	}
	return redact(endpoint), nil
}

func (h *HTTPUpload) put(ctx context.Context, sourcePath, endpoint string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/gzip")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// redact drops the query string, which carries presigned credentials.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.RawQuery = ""
	return u.String()
}
