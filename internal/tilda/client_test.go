package tilda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "pub", "sec", 7, 5*time.Second)
}

func TestListFormsSendsAuthAndProject(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/project/getformslist/", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "pub", q.Get("publickey"))
		assert.Equal(t, "sec", q.Get("secretkey"))
		assert.Equal(t, "7", q.Get("projectid"))
		json.NewEncoder(w).Encode(map[string]any{"result": []any{
			map[string]any{"id": "101", "title": "Main form"},
		}})
	})

	forms, err := c.ListForms(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "Main form", forms[0]["title"])
}

func TestListFormsUnwrapsNestedResult(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"forms": []any{map[string]any{"id": "1"}},
		}})
	})
	forms, err := c.ListForms(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, forms, 1)
}

func TestListFormsRejectsBadShape(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "nope"})
	})
	_, err := c.ListForms(context.Background(), 0)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
}

func TestMissingKeys(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "", "", 0, time.Second)
	_, err := c.ListForms(context.Background(), 0)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
	assert.Contains(t, err.Error(), "not configured")
}

func TestGetForm(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/form/getform/", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("formid"))
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"id": "42"}})
	})
	form, err := c.GetForm(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "42", form["id"])
}

func TestUpstreamStatusFailure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.GetForm(context.Background(), 1)
	var tErr *Error
	require.ErrorAs(t, err, &tErr)
}
