package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/config"
)

// crmCall records one REST method invocation against the fake portal.
type crmCall struct {
	Method string
	Body   map[string]any
}

// fakeCRM is a scriptable Bitrix24 portal. Methods without a script entry
// answer {"result": []}.
type fakeCRM struct {
	mu      sync.Mutex
	calls   []crmCall
	scripts map[string]func(body map[string]any) any
	nextID  int
	srv     *httptest.Server
}

func newFakeCRM(t *testing.T) *fakeCRM {
	t.Helper()
	f := &fakeCRM{scripts: map[string]func(map[string]any) any{}, nextID: 500}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCRM) handle(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/")

	var body map[string]any
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "application/json"):
		json.NewDecoder(r.Body).Decode(&body)
	case strings.Contains(ct, "multipart/form-data"):
		r.ParseMultipartForm(1 << 20)
		body = map[string]any{}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				body[k] = v[0]
			}
		}
		for k := range r.MultipartForm.File {
			body["_file_field"] = k
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, crmCall{Method: method, Body: body})
	script := f.scripts[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if script == nil {
		json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
		return
	}
	json.NewEncoder(w).Encode(script(body))
}

func (f *fakeCRM) script(method string, fn func(body map[string]any) any) {
	f.mu.Lock()
	f.scripts[method] = fn
	f.mu.Unlock()
}

// scriptSequentialIDs makes create calls hand out incrementing ids.
func (f *fakeCRM) scriptSequentialIDs(method string) {
	f.script(method, func(map[string]any) any {
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		return map[string]any{"result": id}
	})
}

func (f *fakeCRM) callsFor(method string) []crmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []crmCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeCRM) client() *bitrix.Client {
	return bitrix.NewClient(f.srv.URL, 5*time.Second, 1, "TildaUploads")
}

func testConfig() *config.Config {
	return &config.Config{
		RequestTimeout:         5 * time.Second,
		BaseCategoryID:         6,
		ApplicationsCategoryID: 8,
		SecondaryCategoryID:    12,
		BaseWonStage:           "C6:WON",
		ApplicationsNewStage:   "C8:NEW",
		SecondaryNewStage:      "C12:NEW",
		ShowFileField:          "UF_CRM_SHOW_FILES",
		MarketFileField:        "UF_CRM_MARKET_FILES",
		LinesheetFileField:     "UF_CRM_LINESHEET",
		INNField:               "UF_INN",
		TitleField:             "TITLE",
		DiskUserID:             1,
		DiskRootFolderName:     "TildaUploads",
		ParticipationKeywords:  []string{"Показ", "Маркет", "Шоурум"},
	}
}
