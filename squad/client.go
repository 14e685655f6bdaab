// Package squad is the REST client for the reporting backend that tracks
// job results per build and environment.
package squad

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/devicefleet/conductor/httpx"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	token   string
}

func NewClient(http *httpx.Client, baseURL, token string) *Client {
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Token " + c.token}
}

// WatchJob registers an already-scheduled execution backend job for result
// tracking and returns the tracking id. Registration failure is reported as
// an error; callers treat it as non-fatal since the job itself already runs.
func (c *Client) WatchJob(ctx context.Context, group, project, buildVersion, environment string, backendJobID int64) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/watchjob/%s/%s/%s/%s",
		c.baseURL, group, project, buildVersion, environment)
	form := url.Values{"testjob_id": {strconv.FormatInt(backendJobID, 10)}}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Headers:     c.headers(),
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register watch job: %w", err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("watch registration returned %d: %s", resp.StatusCode, string(body))
	}
	trackingID, err := strconv.ParseInt(strings.TrimSpace(strings.Trim(string(body), `"`)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse tracking id %q: %w", string(body), err)
	}
	return trackingID, nil
}

// CreateBuild ensures a build record exists on the reporting side. Patch
// source and id are optional and link the build back to its change request.
func (c *Client) CreateBuild(ctx context.Context, group, project, version, patchSource, patchID string) error {
	endpoint := fmt.Sprintf("%s/api/createbuild/%s/%s/%s", c.baseURL, group, project, version)
	form := url.Values{}
	if patchSource != "" {
		form.Set("patch_source", patchSource)
		form.Set("patch_id", patchID)
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Headers:     c.headers(),
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return fmt.Errorf("failed to create reporting build: %w", err)
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create build returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SubmitResults pushes a finished job's translated results directly, used
// when the job is not watched by the reporting backend itself.
func (c *Client) SubmitResults(ctx context.Context, group, project, buildVersion, environment string, results map[string]string) error {
	endpoint := fmt.Sprintf("%s/api/submit/%s/%s/%s/%s",
		c.baseURL, group, project, buildVersion, environment)
	tests, err := json.Marshal(results)
	if err != nil {
		return err
	}
	form := url.Values{"tests": {string(tests)}}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         endpoint,
		Headers:     c.headers(),
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return fmt.Errorf("failed to submit results: %w", err)
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit results returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// UpdateTestJobName renames a tracked job so reports show the template name
// instead of the backend's numeric id.
func (c *Client) UpdateTestJobName(ctx context.Context, trackingID int64, name string) error {
	endpoint := fmt.Sprintf("%s/api/testjobs/%d/", c.baseURL, trackingID)
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPatch,
		URL:         endpoint,
		Headers:     c.headers(),
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return fmt.Errorf("failed to update test job %d: %w", trackingID, err)
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("test job update returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
