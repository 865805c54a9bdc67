package service

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/imaging"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

// ValidationError rejects a submission as a client error: the request body
// itself is unusable, no CRM call was attempted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// formIdentifierKeys is the precedence list for resolving which Tilda form a
// payload came from; first non-empty value wins. "lable" is a long-standing
// typo in Tilda's hidden fields.
var formIdentifierKeys = []string{
	"formname",
	"formid",
	"tildaformid",
	"tilda_form_id",
	"form_uid",
	"form_id",
	"lable",
}

// FormDataToPayload flattens parsed form values into the canonical payload
// shape: repeated keys become lists, single occurrences stay scalar.
func FormDataToPayload(form map[string][]string) map[string]any {
	payload := make(map[string]any, len(form))
	for key, values := range form {
		switch len(values) {
		case 0:
		case 1:
			payload[key] = values[0]
		default:
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			payload[key] = list
		}
	}
	return payload
}

// NormalizeValue trims strings to nil-if-empty and recursively cleans lists,
// dropping empty entries and returning nil when nothing is left.
func NormalizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
		return nil
	case []any:
		var out []any
		for _, item := range v {
			if n := NormalizeValue(item); n != nil {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		anyList := make([]any, len(v))
		for i, s := range v {
			anyList[i] = s
		}
		return NormalizeValue(anyList)
	default:
		return value
	}
}

// NormalizedString returns the payload value for key as a single trimmed
// string; list values yield their first entry.
func NormalizedString(payload map[string]any, key string) string {
	switch v := NormalizeValue(payload[key]).(type) {
	case string:
		return v
	case []any:
		if s, ok := v[0].(string); ok {
			return s
		}
	}
	return ""
}

// NormalizedStrings returns the payload value for key as a cleaned string
// list.
func NormalizedStrings(payload map[string]any, key string) []string {
	switch v := NormalizeValue(payload[key]).(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// DetectFormKey resolves the submission's form identity. A caller-supplied
// override wins; otherwise the fixed precedence list applies. The result is
// run through the alias table to fold legacy identifiers into canonical
// mapping-file keys.
func DetectFormKey(payload map[string]any, override string, aliases map[string]string) (string, error) {
	key := strings.TrimSpace(override)
	if key == "" {
		for _, candidate := range formIdentifierKeys {
			if s, ok := payload[candidate].(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					key = s
					break
				}
			}
		}
	}
	if key == "" {
		return "", &ValidationError{Msg: "cannot determine Tilda form identifier"}
	}
	if canonical, ok := aliases[key]; ok {
		return canonical, nil
	}
	return key, nil
}

// CanonicalPhone reduces a phone number to bare digits, folding the Russian
// trunk prefix 8 into country code 7 so both spellings compare equal.
func CanonicalPhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if len(s) == 11 && s[0] == '8' {
		s = "7" + s[1:]
	}
	return s
}

// SearchValues are the identity signals derived from one submission. They
// drive lookup only and are never persisted.
type SearchValues struct {
	INN       string
	Companies []string
	Phones    []string
	Emails    []string
}

// Company returns the highest-precedence resolved company name, if any.
func (sv SearchValues) Company() string {
	if len(sv.Companies) > 0 {
		return sv.Companies[0]
	}
	return ""
}

// DeriveSearchValues extracts dedup signals from the payload using the
// mapping's search keys, preserving key order.
func DeriveSearchValues(m *models.FormMapping, payload map[string]any) SearchValues {
	sv := SearchValues{}
	for _, key := range m.Search.INNKeys {
		if v := NormalizedString(payload, key); v != "" {
			sv.INN = v
			break
		}
	}
	seenCompany := map[string]bool{}
	for _, key := range m.Search.CompanyKeys {
		if v := NormalizedString(payload, key); v != "" && !seenCompany[v] {
			seenCompany[v] = true
			sv.Companies = append(sv.Companies, v)
		}
	}
	seenPhone := map[string]bool{}
	for _, key := range m.Search.PhoneKeys {
		for _, raw := range NormalizedStrings(payload, key) {
			if p := CanonicalPhone(raw); p != "" && !seenPhone[p] {
				seenPhone[p] = true
				sv.Phones = append(sv.Phones, p)
			}
		}
	}
	seenEmail := map[string]bool{}
	for _, key := range m.Search.EmailKeys {
		for _, raw := range NormalizedStrings(payload, key) {
			e := strings.ToLower(strings.TrimSpace(raw))
			if e != "" && !seenEmail[e] {
				seenEmail[e] = true
				sv.Emails = append(sv.Emails, e)
			}
		}
	}
	return sv
}

// StageUploads streams every file part of a parsed multipart request into a
// fresh staging directory before any network call is made. Fields listed in
// recompressFields get a best-effort JPEG re-encode; a failed re-encode is
// logged and the original file kept.
func StageUploads(r *http.Request, tmpRoot string, recompressFields []string) (string, []models.Upload, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		return "", nil, nil
	}

	stagingDir := filepath.Join(tmpRoot, uuid.New().String())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}

	recompress := map[string]bool{}
	for _, f := range recompressFields {
		recompress[f] = true
	}

	var uploads []models.Upload
	for _, field := range sortedKeys(r.MultipartForm.File) {
		for i, fh := range r.MultipartForm.File[field] {
			src, err := fh.Open()
			if err != nil {
				os.RemoveAll(stagingDir)
				return "", nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
			}
			name := sanitizeFileName(fh.Filename)
			if name == "" {
				name = fmt.Sprintf("upload_%d", i)
			}
			dst := filepath.Join(stagingDir, fmt.Sprintf("%s_%d_%s", field, i, name))
			out, err := os.Create(dst)
			if err == nil {
				_, err = io.Copy(out, src)
				if closeErr := out.Close(); err == nil {
					err = closeErr
				}
			}
			src.Close()
			if err != nil {
				os.RemoveAll(stagingDir)
				return "", nil, fmt.Errorf("stage upload %s: %w", fh.Filename, err)
			}

			upload := models.Upload{
				Field:       field,
				FileName:    fh.Filename,
				Path:        dst,
				ContentType: fh.Header.Get("Content-Type"),
			}
			if recompress[field] {
				if err := imaging.Recompress(dst); err != nil {
					log.Printf("Warning: recompress %s: %v", dst, err)
				} else {
					upload.Recompressed = true
				}
			}
			uploads = append(uploads, upload)
		}
	}
	return stagingDir, uploads, nil
}

// sanitizeFileName keeps a safe character subset, replacing everything else
// with underscores and stripping any path components.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
