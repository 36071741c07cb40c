package branches

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

const (
	branchesPath   = "/hyp/hyp-connect/api/getGameBranches"
	buildPath      = "/downloader/sophon_chunk/api/getBuild"
	patchBuildPath = "/downloader/sophon_chunk/api/getPatchBuild"
)

// Client queries the vendor launcher API and fetches manifest blobs.
type Client struct {
	http      *http.Client
	apiBase   string
	userAgent string
}

// NewClient builds a client for the given API base URL.
func NewClient(apiBase string, timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if userAgent == "" {
		userAgent = "sophon/1.0"
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		apiBase:   apiBase,
		userAgent: userAgent,
	}
}

// envelope is the vendor JSON wrapper around every API payload.
type envelope struct {
	Retcode int             `json:"retcode"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GetGameBranches lists the live branches the launcher id can see.
// branchesBase may differ from the build API host; pass "" to reuse it.
func (c *Client) GetGameBranches(ctx context.Context, branchesBase, launcherID string) (*GameBranches, error) {
	base := branchesBase
	if base == "" {
		base = c.apiBase
	}
	u := base + branchesPath + "?launcher_id=" + url.QueryEscape(launcherID)

	var out GameBranches
	if err := c.apiRequest(ctx, http.MethodGet, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBuild fetches the chunk manifests of a branch's current build.
func (c *Client) GetBuild(ctx context.Context, pkg *PackageInfo) (*Downloads, error) {
	var out Downloads
	if err := c.apiRequest(ctx, http.MethodGet, c.buildURL(buildPath, pkg), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPatchBuild fetches the diff manifests reaching the branch's current
// build from earlier ones.
func (c *Client) GetPatchBuild(ctx context.Context, pkg *PackageInfo) (*Diffs, error) {
	var out Diffs
	if err := c.apiRequest(ctx, http.MethodPost, c.buildURL(patchBuildPath, pkg), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) buildURL(path string, pkg *PackageInfo) string {
	q := url.Values{}
	q.Set("branch", pkg.Branch)
	q.Set("password", pkg.Password)
	q.Set("package_id", pkg.PackageID)
	return c.apiBase + path + "?" + q.Encode()
}

func (c *Client) apiRequest(ctx context.Context, method, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "api request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, errors.ErrDownloadFailed)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Wrap(err, "could not decode api response")
	}
	if env.Retcode != 0 {
		return fmt.Errorf("api retcode %d: %s: %w", env.Retcode, env.Message, errors.ErrDownloadFailed)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, "could not decode api payload")
	}
	return nil
}

// FetchManifest downloads, decodes and validates the manifest blob named by
// info. The raw stream may be zstd compressed (per dl.Compression) or carry
// a gzip or brotli content encoding; all three are handled here.
func (c *Client) FetchManifest(ctx context.Context, info *ManifestInfo, dl *DownloadInfo) (*manifest.Manifest, error) {
	raw, err := c.fetchBlob(ctx, info, dl)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FetchDiffManifest is FetchManifest for patch blobs.
func (c *Client) FetchDiffManifest(ctx context.Context, info *ManifestInfo, dl *DownloadInfo) (*manifest.DiffManifest, error) {
	raw, err := c.fetchBlob(ctx, info, dl)
	if err != nil {
		return nil, err
	}
	d, err := manifest.DecodeDiff(raw)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) fetchBlob(ctx context.Context, info *ManifestInfo, dl *DownloadInfo) ([]byte, error) {
	if dl.Encryption != 0 {
		return nil, fmt.Errorf("manifest encryption %d: %w", dl.Encryption, errors.ErrUnsupportedEncryption)
	}

	u := dl.Base() + "/" + info.ID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	// Opt out of the transport's transparent gzip so the header-driven
	// decoding below sees what the server actually sent.
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "manifest download failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d: %w", resp.StatusCode, errors.ErrDownloadFailed)
	}

	body, err := decodeContentEncoding(resp)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read manifest blob")
	}

	if dl.Compression == 1 {
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("manifest blob: %v: %w", err, errors.ErrMalformedManifest)
		}
		defer decoder.Close()
		if raw, err = io.ReadAll(decoder); err != nil {
			return nil, fmt.Errorf("manifest blob: %v: %w", err, errors.ErrMalformedManifest)
		}
	}

	if info.Checksum != "" && fsutil.BytesMD5(raw) != info.Checksum {
		return nil, fmt.Errorf("manifest %s: %w", info.ID, errors.ErrChecksumMismatch)
	}

	logger.Debug("manifest blob fetched", logrus.Fields{"id": info.ID, "bytes": len(raw)})
	return raw, nil
}

func decodeContentEncoding(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("manifest blob: %v: %w", err, errors.ErrMalformedManifest)
		}
		return r, nil
	case "br", "bz":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
