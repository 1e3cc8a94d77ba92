package modelzoo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// hashPrefix matches the digest prefix embedded in published weight file
// names, e.g. unet_r231-d5d2fc3d.pth.
var hashPrefix = regexp.MustCompile(`-([a-f0-9]+)\.`)

// Cache downloads weight files once and keeps them in Dir.
type Cache struct {
	// Dir holds the downloaded files
	Dir string

	// Client performs the downloads. Nil selects http.DefaultClient.
	Client *http.Client

	// Logger receives download records. Nil discards them.
	Logger *slog.Logger
}

// DefaultCacheDir returns the per-user cache directory for weights.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "lungmask", "checkpoints")
}

// Fetch returns the local path of the file behind rawURL, downloading it
// when it is not cached yet. A digest prefix in the file name is checked
// against the SHA-256 of the download.
func (c *Cache) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid weights URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("weights URL %q names no file", rawURL)
	}
	dst := filepath.Join(c.Dir, name)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	c.logger().Info("downloading weights", "url", rawURL, "dst", dst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download weights: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download weights: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.Dir, name+".partial-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digest := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, digest), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to download weights: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write weights: %w", err)
	}

	if m := hashPrefix.FindStringSubmatch(name); m != nil {
		sum := hex.EncodeToString(digest.Sum(nil))
		if !strings.HasPrefix(sum, m[1]) {
			return "", fmt.Errorf("invalid hash value (expected %q, got %q)", m[1], sum)
		}
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to store weights: %w", err)
	}
	return dst, nil
}

func (c *Cache) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}
