// Package lava is the REST client for the execution backend that schedules
// jobs onto physical boards.
package lava

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/devicefleet/conductor/httpx"
)

// Client talks to one execution backend instance.
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

// SubmitJob posts a rendered definition. The backend answers 201 with the
// scheduled job ids; multinode definitions produce more than one. Any other
// status is a rejection and yields an empty slice, not an error, so callers
// can tell "backend refused" apart from "backend unreachable".
func (c *Client) SubmitJob(ctx context.Context, definition string) ([]int64, error) {
	form := url.Values{"definition": {definition}}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPost,
		URL:         c.baseURL + "/jobs/",
		Headers:     c.headers(),
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		slog.Warn("Execution backend rejected job",
			"status", resp.StatusCode,
			"body", string(body))
		return []int64{}, nil
	}
	var result struct {
		JobIDs []int64 `json:"job_ids"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse submit response: %w", err)
	}
	return result.JobIDs, nil
}

// JobDefinition fetches the stored definition text of a scheduled job.
func (c *Client) JobDefinition(ctx context.Context, jobID int64) (string, error) {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/jobs/%d/", c.baseURL, jobID),
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
		return "", fmt.Errorf("job %d lookup returned %d", jobID, resp.StatusCode)
	}
	var result struct {
		Definition string `json:"definition"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse job %d: %w", jobID, err)
	}
	return result.Definition, nil
}

// TestResult is one test case outcome within a suite.
type TestResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Suite  string `json:"suite"`
}

type Suite struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Suites pages through all result suites of a finished job.
func (c *Client) Suites(ctx context.Context, jobID int64) ([]Suite, error) {
	var suites []Suite
	next := fmt.Sprintf("%s/jobs/%d/suites/?limit=100", c.baseURL, jobID)
	for next != "" {
		var page struct {
			Next    *string `json:"next"`
			Results []Suite `json:"results"`
		}
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		suites = append(suites, page.Results...)
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return suites, nil
}

// Tests pages through all test cases of one suite.
func (c *Client) Tests(ctx context.Context, jobID, suiteID int64) ([]TestResult, error) {
	var tests []TestResult
	next := fmt.Sprintf("%s/jobs/%d/suites/%d/tests/?limit=100", c.baseURL, jobID, suiteID)
	for next != "" {
		var page struct {
			Next    *string      `json:"next"`
			Results []TestResult `json:"results"`
		}
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		tests = append(tests, page.Results...)
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return tests, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: c.headers(),
	})
	if err != nil {
		return err
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", rawURL, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

// Device mirrors the health fields of a board record.
type Device struct {
	Hostname string `json:"hostname"`
	Health   string `json:"health"`
	State    string `json:"state"`
}

func (c *Client) Device(ctx context.Context, hostname string) (*Device, error) {
	var device Device
	if err := c.getJSON(ctx, fmt.Sprintf("%s/devices/%s/", c.baseURL, hostname), &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// SetDeviceHealth moves a board in or out of maintenance.
func (c *Client) SetDeviceHealth(ctx context.Context, hostname, health string) error {
	payload, err := json.Marshal(map[string]string{"health": health})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, httpx.Request{
		Method:      http.MethodPut,
		URL:         fmt.Sprintf("%s/devices/%s/", c.baseURL, hostname),
		Headers:     c.headers(),
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return err
	}
	body, _ := httpx.ReadBody(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to set %s health to %s: %d %s",
			hostname, health, resp.StatusCode, string(body))
	}
	return nil
}
