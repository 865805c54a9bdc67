// Package bitrix is a thin client for the Bitrix24 REST API reached through
// an inbound-webhook base URL.
//
// Every response is JSON; an "error" key in the body is a hard failure and
// surfaces as *Error no matter what the transport status was.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Client calls Bitrix24 over a webhook base URL. The folder memo it carries
// lives for the client's lifetime and is never invalidated; a duplicate
// get-or-create race between requests is benign.
type Client struct {
	baseURL string
	http    *http.Client

	diskUserID     int
	rootFolderName string

	mu              sync.Mutex
	folderMemo      map[string]string
	rootFolderID    string
	uploadsParentID string
}

func NewClient(baseURL string, timeout time.Duration, diskUserID int, rootFolderName string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/") + "/",
		http:           &http.Client{Timeout: timeout},
		diskUserID:     diskUserID,
		rootFolderName: rootFolderName,
		folderMemo:     map[string]string{},
	}
}

// ------------------------------------------------------------------
// Low-level request plumbing
// ------------------------------------------------------------------

func (c *Client) call(ctx context.Context, method string, body map[string]any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bitrix: marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bitrix: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

func (c *Client) get(ctx context.Context, method string, params url.Values) (map[string]any, error) {
	u := c.baseURL + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("bitrix: build %s request: %w", method, err)
	}
	return c.do(req, method)
}

func (c *Client) do(req *http.Request, method string) (map[string]any, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bitrix: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("bitrix: %s: decode response: %w", method, err)
	}
	if errVal, ok := payload["error"]; ok {
		desc, _ := payload["error_description"].(string)
		return nil, &Error{Code: fmt.Sprint(errVal), Description: desc}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Code: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	return payload, nil
}

// writeParams suppresses activity-stream events on create/update calls.
var writeParams = map[string]any{"REGISTER_SONET_EVENT": "N"}

// ------------------------------------------------------------------
// CRM: deals
// ------------------------------------------------------------------

func (c *Client) FetchDealFields(ctx context.Context) (map[string]any, error) {
	data, err := c.get(ctx, "crm.deal.fields", nil)
	if err != nil {
		return nil, err
	}
	result, _ := data["result"].(map[string]any)
	return result, nil
}

func (c *Client) CreateDeal(ctx context.Context, fields map[string]any) (int, error) {
	data, err := c.call(ctx, "crm.deal.add", map[string]any{"fields": fields, "params": writeParams})
	if err != nil {
		return 0, err
	}
	return resultID(data)
}

func (c *Client) UpdateDeal(ctx context.Context, dealID int, fields map[string]any) error {
	_, err := c.call(ctx, "crm.deal.update", map[string]any{"id": dealID, "fields": fields, "params": writeParams})
	return err
}

func (c *Client) GetDeal(ctx context.Context, dealID int) (map[string]any, error) {
	params := url.Values{"id": {fmt.Sprint(dealID)}}
	data, err := c.get(ctx, "crm.deal.get", params)
	if err != nil {
		return nil, err
	}
	result, _ := data["result"].(map[string]any)
	return result, nil
}

// ListDeals returns deals matching the filter in the CRM's native
// id-descending order.
func (c *Client) ListDeals(ctx context.Context, filter map[string]any, selectFields []string) ([]map[string]any, error) {
	body := map[string]any{"filter": filter, "order": map[string]any{"ID": "DESC"}, "start": 0}
	if len(selectFields) > 0 {
		body["select"] = selectFields
	}
	data, err := c.call(ctx, "crm.deal.list", body)
	if err != nil {
		return nil, err
	}
	return resultList(data), nil
}

// ------------------------------------------------------------------
// CRM: contacts
// ------------------------------------------------------------------

func (c *Client) ListContacts(ctx context.Context, filter map[string]any, selectFields []string) ([]map[string]any, error) {
	body := map[string]any{"filter": filter, "order": map[string]any{"ID": "DESC"}}
	if len(selectFields) > 0 {
		body["select"] = selectFields
	}
	data, err := c.call(ctx, "crm.contact.list", body)
	if err != nil {
		return nil, err
	}
	return resultList(data), nil
}

func (c *Client) GetContact(ctx context.Context, contactID int) (map[string]any, error) {
	params := url.Values{"id": {fmt.Sprint(contactID)}}
	data, err := c.get(ctx, "crm.contact.get", params)
	if err != nil {
		return nil, err
	}
	result, _ := data["result"].(map[string]any)
	return result, nil
}

func (c *Client) CreateContact(ctx context.Context, fields map[string]any) (int, error) {
	data, err := c.call(ctx, "crm.contact.add", map[string]any{"fields": fields, "params": writeParams})
	if err != nil {
		return 0, err
	}
	return resultID(data)
}

// ------------------------------------------------------------------
// Disk storage
// ------------------------------------------------------------------

// EnsureUploadsParent resolves the uploads root folder (the configured folder
// name under the disk user's storage root), memoized for the client lifetime.
func (c *Client) EnsureUploadsParent(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.uploadsParentID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	rootID, err := c.ensureStorageRoot(ctx)
	if err != nil {
		return "", err
	}
	folderID, err := c.EnsureFolder(ctx, rootID, c.rootFolderName)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.uploadsParentID = folderID
	c.mu.Unlock()
	return folderID, nil
}

func (c *Client) ensureStorageRoot(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.rootFolderID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	data, err := c.call(ctx, "disk.storage.getforuser", map[string]any{"id": c.diskUserID})
	if err != nil {
		return "", err
	}
	storage, _ := data["result"].(map[string]any)
	if storage == nil {
		return "", &Error{Code: "no_storage", Description: "unable to resolve disk storage for user"}
	}
	rootID := asID(storage["rootObjectId"])
	if rootID == "" {
		return "", &Error{Code: "no_storage", Description: "storage has no root object id"}
	}

	c.mu.Lock()
	c.rootFolderID = rootID
	c.mu.Unlock()
	return rootID, nil
}

// EnsureFolder lists the parent's children and returns the folder with the
// given name, creating it when absent. Results are memoized by (parent, name).
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	memoKey := parentID + ":" + name

	c.mu.Lock()
	if id, ok := c.folderMemo[memoKey]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	data, err := c.call(ctx, "disk.folder.getchildren", map[string]any{"id": parentID})
	if err != nil {
		return "", err
	}
	var folderID string
	for _, entry := range resultList(data) {
		if entry["TYPE"] == "folder" && entry["NAME"] == name {
			folderID = asID(entry["ID"])
			break
		}
	}
	if folderID == "" {
		created, err := c.call(ctx, "disk.folder.add", map[string]any{
			"data": map[string]any{"NAME": name, "PARENT_ID": parentID},
		})
		if err != nil {
			return "", err
		}
		result, _ := created["result"].(map[string]any)
		folderID = asID(result["ID"])
	}

	c.mu.Lock()
	c.folderMemo[memoKey] = folderID
	c.mu.Unlock()
	return folderID, nil
}

// UploadFile streams a local file into the given disk folder via multipart
// form upload and returns the created file's id.
func (c *Client) UploadFile(ctx context.Context, folderID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("bitrix: open upload %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("id", folderID); err != nil {
		return "", fmt.Errorf("bitrix: build upload form: %w", err)
	}
	if err := mw.WriteField("generateUniqueName", "true"); err != nil {
		return "", fmt.Errorf("bitrix: build upload form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("bitrix: build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("bitrix: read upload %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("bitrix: build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"disk.folder.uploadfile", &body)
	if err != nil {
		return "", fmt.Errorf("bitrix: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	data, err := c.do(req, "disk.folder.uploadfile")
	if err != nil {
		return "", err
	}
	result, _ := data["result"].(map[string]any)
	fileID := asID(result["ID"])
	if fileID == "" {
		return "", &Error{Code: "upload_failed", Description: "upload response carries no file id"}
	}
	return fileID, nil
}

// ------------------------------------------------------------------
// Response helpers
// ------------------------------------------------------------------

func resultList(data map[string]any) []map[string]any {
	raw, _ := data["result"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func resultID(data map[string]any) (int, error) {
	switch v := data["result"].(type) {
	case float64:
		return int(v), nil
	case string:
		var id int
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			return id, nil
		}
	}
	return 0, &Error{Code: "bad_result", Description: fmt.Sprintf("unexpected result id %v", data["result"])}
}

// asID renders numeric or string ids uniformly as strings; Bitrix mixes both.
func asID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case int:
		return fmt.Sprintf("%d", id)
	}
	return ""
}
