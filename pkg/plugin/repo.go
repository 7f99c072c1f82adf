package plugin

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/provd-server/provd/pkg/oip"
	"github.com/provd-server/provd/pkg/util"
)

// IndexFilename is the installable-plugin index published by the remote
// repository and cached in the plugins directory.
const IndexFilename = "plugins.db"

// PackageInfo describes one installable plugin package from the index.
type PackageInfo struct {
	Filename     string                            `json:"filename"`
	Version      string                            `json:"version"`
	Description  string                            `json:"description"`
	Capabilities map[string]map[string]interface{} `json:"capabilities,omitempty"`
	DSize        int64                             `json:"dsize"`
	SHA1Sum      string                            `json:"sha1sum"`

	// DescriptionLocales collects description_<locale> keys.
	DescriptionLocales map[string]string `json:"-"`
}

// UnmarshalJSON parses the fixed fields plus any description_<locale> key.
func (p *PackageInfo) UnmarshalJSON(data []byte) error {
	type alias PackageInfo
	if err := json.Unmarshal(data, (*alias)(p)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if locale, ok := strings.CutPrefix(k, "description_"); ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				if p.DescriptionLocales == nil {
					p.DescriptionLocales = make(map[string]string)
				}
				p.DescriptionLocales[locale] = s
			}
		}
	}
	return nil
}

// ProxyConfig holds the outbound proxy settings for repository access.
type ProxyConfig struct {
	HTTP  string
	HTTPS string
	FTP   string
}

// repoClient downloads the installable index and plugin packages from the
// configured plugin server.
type repoClient struct {
	serverURL func() string
	client    *http.Client
}

func newRepoClient(serverURL func() string, proxies func() ProxyConfig) *repoClient {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			p := proxies()
			var raw string
			switch req.URL.Scheme {
			case "https":
				raw = p.HTTPS
			default:
				raw = p.HTTP
			}
			if raw == "" {
				return http.ProxyFromEnvironment(req)
			}
			return url.Parse(raw)
		},
	}
	return &repoClient{
		serverURL: serverURL,
		client:    &http.Client{Transport: transport, Timeout: 5 * time.Minute},
	}
}

// FetchIndex downloads plugins.db into destDir.
func (r *repoClient) FetchIndex(ctx context.Context, destDir string) error {
	server := r.serverURL()
	if server == "" {
		return util.NewInvalidParameterError("plugin_server", "not configured")
	}
	body, err := r.get(ctx, strings.TrimRight(server, "/")+"/"+IndexFilename)
	if err != nil {
		return err
	}
	defer body.Close()

	dest := filepath.Join(destDir, IndexFilename)
	tmp, err := os.CreateTemp(destDir, ".plugins.db-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading plugin index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// ParseIndex reads the cached index. Parse errors yield an empty
// installable set, not an error: a corrupt index must not break the
// manager.
func ParseIndex(dir string) map[string]*PackageInfo {
	data, err := os.ReadFile(filepath.Join(dir, IndexFilename))
	if err != nil {
		return map[string]*PackageInfo{}
	}
	var index map[string]*PackageInfo
	if err := json.Unmarshal(data, &index); err != nil {
		util.Warnf("plugin: malformed index %s: %v", IndexFilename, err)
		return map[string]*PackageInfo{}
	}
	return index
}

// FetchPackage downloads a plugin tarball into cacheDir, verifying its
// SHA-1 as the bytes arrive. A digest mismatch removes the partial file
// and fails the download. Progress is teed through prog when non-nil.
func (r *repoClient) FetchPackage(ctx context.Context, pkg *PackageInfo, cacheDir string, prog *oip.OIP) (string, error) {
	server := r.serverURL()
	if server == "" {
		return "", util.NewInvalidParameterError("plugin_server", "not configured")
	}
	body, err := r.get(ctx, strings.TrimRight(server, "/")+"/"+pkg.Filename)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(cacheDir, pkg.Filename)
	tmp, err := os.CreateTemp(cacheDir, "."+pkg.Filename+"-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	hasher := sha1.New()
	var w io.Writer = io.MultiWriter(tmp, hasher)
	if prog != nil {
		prog.SetEnd(pkg.DSize)
		w = io.MultiWriter(w, prog)
	}

	if _, err := io.Copy(w, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("downloading %s: %w", pkg.Filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if pkg.SHA1Sum != "" && !strings.EqualFold(sum, pkg.SHA1Sum) {
		os.Remove(tmpName)
		return "", fmt.Errorf("downloading %s: sha1 mismatch: got %s, want %s",
			pkg.Filename, sum, pkg.SHA1Sum)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return dest, nil
}

func (r *repoClient) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: unexpected status %s", rawURL, resp.Status)
	}
	return resp.Body, nil
}
