// Package tilda is a read-only client for the Tilda forms API, authenticated
// with two static keys sent as query parameters.
package tilda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is returned for Tilda-side failures: missing keys, failing status,
// or a response that doesn't carry the expected result shape.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tilda: %s", e.Msg)
}

type Client struct {
	baseURL   string
	publicKey string
	secretKey string
	projectID int
	http      *http.Client
}

func NewClient(baseURL, publicKey, secretKey string, projectID int, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/") + "/",
		publicKey: publicKey,
		secretKey: secretKey,
		projectID: projectID,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) authParams() (url.Values, error) {
	if c.publicKey == "" || c.secretKey == "" {
		return nil, &Error{Msg: "API keys are not configured"}
	}
	return url.Values{
		"publickey": {c.publicKey},
		"secretkey": {c.secretKey},
	}, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("tilda: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tilda: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &Error{Msg: fmt.Sprintf("%s: http %d", path, resp.StatusCode)}
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("tilda: %s: decode response: %w", path, err)
	}
	return data, nil
}

// ListForms returns the project's form definitions. A zero projectID falls
// back to the configured default project; zero both means unscoped.
func (c *Client) ListForms(ctx context.Context, projectID int) ([]map[string]any, error) {
	params, err := c.authParams()
	if err != nil {
		return nil, err
	}
	if projectID == 0 {
		projectID = c.projectID
	}
	if projectID != 0 {
		params.Set("projectid", fmt.Sprint(projectID))
	}
	data, err := c.get(ctx, "project/getformslist/", params)
	if err != nil {
		return nil, err
	}

	result := data["result"]
	if result == nil {
		return nil, &Error{Msg: fmt.Sprintf("unexpected response: %v", data)}
	}
	// Some API versions wrap the list as result.forms.
	if wrapped, ok := result.(map[string]any); ok {
		result = wrapped["forms"]
	}
	raw, ok := result.([]any)
	if !ok {
		return nil, &Error{Msg: "response did not contain a list of forms"}
	}
	forms := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			forms = append(forms, m)
		}
	}
	return forms, nil
}

// GetForm fetches one form's definition.
func (c *Client) GetForm(ctx context.Context, formID int) (map[string]any, error) {
	params, err := c.authParams()
	if err != nil {
		return nil, err
	}
	params.Set("formid", fmt.Sprint(formID))
	data, err := c.get(ctx, "form/getform/", params)
	if err != nil {
		return nil, err
	}
	result, ok := data["result"].(map[string]any)
	if !ok {
		return nil, &Error{Msg: fmt.Sprintf("unexpected response: %v", data)}
	}
	return result, nil
}
