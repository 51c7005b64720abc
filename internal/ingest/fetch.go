// Package ingest retrieves input archives from climate data servers.
// Observation and GCM archives are commonly published on anonymous
// FTP; the fetcher downloads one file at a time with retries.
package ingest

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/mikemorris12/downscale/internal/metrics"
)

const (
	dialTimeout = 30 * time.Second
	maxElapsed  = 2 * time.Minute
)

type Fetcher struct {
	host       string
	user       string
	pass       string
	maxElapsed time.Duration
}

// NewFetcher creates a fetcher for host (host:port). Empty
// credentials mean anonymous login.
func NewFetcher(host, user, pass string) *Fetcher {
	if user == "" {
		user = "anonymous"
		pass = "anonymous"
	}
	return &Fetcher{host: host, user: user, pass: pass, maxElapsed: maxElapsed}
}

// Fetch downloads remotePath into destDir, retrying transient
// failures with exponential backoff. It returns the local file path.
func (f *Fetcher) Fetch(remotePath, destDir string) (string, error) {
	local := filepath.Join(destDir, path.Base(remotePath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}

	operation := func() error {
		return f.fetchOnce(remotePath, local)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.maxElapsed
	if err := backoff.Retry(operation, bo); err != nil {
		metrics.ArchivesFetched.WithLabelValues(f.host, "error").Inc()
		return "", fmt.Errorf("fetch %s from %s: %w", remotePath, f.host, err)
	}
	metrics.ArchivesFetched.WithLabelValues(f.host, "ok").Inc()
	return local, nil
}

func (f *Fetcher) fetchOnce(remotePath, local string) error {
	conn, err := ftp.Dial(f.host, ftp.DialWithTimeout(dialTimeout))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(f.user, f.pass); err != nil {
		return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	tmp := local + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create %s: %w", tmp, err))
	}
	if _, err := io.Copy(out, resp); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, local)
}
