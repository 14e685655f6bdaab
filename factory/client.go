// Package factory is the client for the device cloud API: CI artifacts,
// the signed artifact index, device records and static delta generation.
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/devicefleet/conductor/httpx"
	"github.com/devicefleet/conductor/signing"
)

// ErrOSTreeHashMissing reports an artifact set without a published ostree
// hash. Compilation treats it as "skip hash-dependent templates", not as a
// failure of the whole build.
var ErrOSTreeHashMissing = errors.New("ostree hash not published for run")

type Client struct {
	http   *httpx.Client
	domain string
	token  string
}

// NewClient builds a client for one API domain, e.g. "foundries.io".
func NewClient(http *httpx.Client, domain, token string) *Client {
	return &Client{http: http, domain: domain, token: token}
}

// WithToken returns a copy bound to a project-scoped token.
func (c *Client) WithToken(token string) *Client {
	return &Client{http: c.http, domain: c.domain, token: token}
}

func (c *Client) apiURL(path string) string {
	return fmt.Sprintf("https://api.%s%s", c.domain, path)
}

func (c *Client) headers() map[string]string {
	return map[string]string{"OSF-TOKEN": c.token}
}

// OSTreeHash fetches the ostree commit hash published next to a run's
// artifacts. A 404 means the run produced no hash.
func (c *Client) OSTreeHash(ctx context.Context, runURL string) (string, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     runURL + "other/ostree.sha.txt",
		Headers: c.headers(),
	})
	if err != nil {
		return "", err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrOSTreeHashMissing
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ostree hash fetch returned %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}

// CommitID extracts the source commit a run was built from out of its run
// definition.
func (c *Client) CommitID(ctx context.Context, runURL string) (string, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     runURL + ".rundef.json",
		Headers: c.headers(),
	})
	if err != nil {
		return "", err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("run definition fetch returned %d", resp.StatusCode)
	}
	var rundef struct {
		Env struct {
			GitSHA string `json:"GIT_SHA"`
		} `json:"env"`
	}
	if err := json.Unmarshal(body, &rundef); err != nil {
		return "", fmt.Errorf("failed to parse run definition: %w", err)
	}
	return rundef.Env.GitSHA, nil
}

// Targets fetches the signed artifact index of a project.
func (c *Client) Targets(ctx context.Context, project string) (*signing.Targets, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     c.apiURL(fmt.Sprintf("/ota/repo/%s/api/v1/user_repo/targets.json", project)),
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("targets fetch returned %d", resp.StatusCode)
	}
	var targets signing.Targets
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("failed to parse targets: %w", err)
	}
	return &targets, nil
}

// PublishTargets uploads a re-signed artifact index. The checksum of the
// previously fetched document goes in the x-ats-role-checksum header so the
// server can reject concurrent edits.
func (c *Client) PublishTargets(ctx context.Context, project string, targets *signing.Targets, previousChecksum string) error {
	payload, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	headers := c.headers()
	headers["x-ats-role-checksum"] = previousChecksum
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPut,
		URL:         c.apiURL(fmt.Sprintf("/ota/repo/%s/api/v1/user_repo/targets", project)),
		Headers:     headers,
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return err
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("targets publish returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// DeviceTarget is what a fleet device currently reports running.
type DeviceTarget struct {
	TargetName string `json:"target-name"`
	OSTreeHash string `json:"ostree-hash"`
}

func (c *Client) DeviceTarget(ctx context.Context, deviceName string) (*DeviceTarget, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     c.apiURL(fmt.Sprintf("/ota/devices/%s/", deviceName)),
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device %s lookup returned %d", deviceName, resp.StatusCode)
	}
	var target DeviceTarget
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, fmt.Errorf("failed to parse device target: %w", err)
	}
	return &target, nil
}

// DeleteDevice removes a device record, used when a board is re-provisioned
// under a fresh identity.
func (c *Client) DeleteDevice(ctx context.Context, deviceName string) error {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodDelete,
		URL:     c.apiURL(fmt.Sprintf("/ota/devices/%s/", deviceName)),
		Headers: c.headers(),
	})
	if err != nil {
		return err
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("device delete returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// AddProvisioning registers a device uuid with the secure element
// provisioning service for the project's product.
func (c *Client) AddProvisioning(ctx context.Context, project, productID, deviceUUID string) error {
	return c.provision(ctx, http.MethodPost, project, productID, deviceUUID)
}

// RemoveProvisioning deregisters a device uuid.
func (c *Client) RemoveProvisioning(ctx context.Context, project, productID, deviceUUID string) error {
	return c.provision(ctx, http.MethodDelete, project, productID, deviceUUID)
}

func (c *Client) provision(ctx context.Context, method, project, productID, deviceUUID string) error {
	payload, err := json.Marshal(map[string]any{
		"devices": []map[string]string{{
			"product-id": productID,
			"uuid":       deviceUUID,
		}},
	})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      method,
		URL:         c.apiURL(fmt.Sprintf("/ota/factories/%s/el2g-proxy/devices/", project)),
		Headers:     c.headers(),
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return err
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provisioning %s returned %d: %s", method, resp.StatusCode, string(body))
	}
	return nil
}

// CreateStaticDelta asks the cloud to generate a delta between two target
// versions and returns the URL of the CI build doing the generation.
func (c *Client) CreateStaticDelta(ctx context.Context, project string, toVersion int64, fromVersions []int64) (string, error) {
	payload, err := json.Marshal(map[string]any{"from_versions": fromVersions})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         c.apiURL(fmt.Sprintf("/ota/factories/%s/targets/%d/static-deltas/", project, toVersion)),
		Headers:     c.headers(),
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return "", err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("static delta request returned %d: %s", resp.StatusCode, string(body))
	}
	var result struct {
		JobServURL string `json:"jobserv-url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse static delta response: %w", err)
	}
	return result.JobServURL, nil
}

// BuildStatus reports the CI status of a build by its API URL.
func (c *Client) BuildStatus(ctx context.Context, buildURL string) (string, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     buildURL,
		Headers: c.headers(),
	})
	if err != nil {
		return "", err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("build status fetch returned %d", resp.StatusCode)
	}
	var result struct {
		Data struct {
			Build struct {
				Status string `json:"status"`
			} `json:"build"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse build status: %w", err)
	}
	return result.Data.Build.Status, nil
}

// RequestRerun asks CI to run a failed sub-run again.
func (c *Client) RequestRerun(ctx context.Context, runURL string) error {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodPost,
		URL:     runURL + "rerun",
		Headers: c.headers(),
	})
	if err != nil {
		return err
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rerun request returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
