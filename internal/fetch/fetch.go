// Package fetch downloads install artifacts (APKs, IPAs) and caches them
// on disk keyed by the MD5 of their source URL, so repeated installs of
// the same build don't re-download it.
package fetch

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// CachedFile downloads url into dir/md5(url), reusing an existing non-empty
// file of the same name instead of re-fetching it. It returns the local path.
func CachedFile(dir, url string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fetch: creating cache dir %s: %w", dir, err)
	}

	name := cacheName(url)
	path := filepath.Join(dir, name)

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	if err := download(url, path); err != nil {
		return "", err
	}
	return path, nil
}

func cacheName(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:]) + filepath.Ext(url)
}

func download(url, dest string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetch: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: GET %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("fetch: creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fetch: writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
