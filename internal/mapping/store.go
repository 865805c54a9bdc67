// Package mapping loads and hot-reloads the per-form field-mapping file.
//
// The file maps form keys to either a flat string map (legacy shape, deal
// fields only) or a structured object with explicit deal_fields,
// contact_fields, kind, participation_field, file_fields and search sections.
// Any other shape is a configuration error.
package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

// ConfigError marks a malformed mapping file. It is fatal to the request
// that triggered the reload.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mapping: %s", e.Msg)
}

// SearchDefaults names the CRM fields used for reverse lookup when a form
// doesn't configure its search keys explicitly.
type SearchDefaults struct {
	INNField   string
	TitleField string
}

// Store caches the parsed mapping file and reloads it wholesale whenever the
// file's modification time advances. Readers never observe a partially
// updated cache: the snapshot map is swapped atomically under the lock.
type Store struct {
	path     string
	defaults SearchDefaults

	mu    sync.RWMutex
	cache map[string]*models.FormMapping
	mtime time.Time
}

func NewStore(path string, defaults SearchDefaults) *Store {
	return &Store{path: path, defaults: defaults}
}

// GetForm returns the mapping for the given form key, or nil when the form
// is not configured (which is not an error).
func (s *Store) GetForm(key string) (*models.FormMapping, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[key], nil
}

func (s *Store) ensureLoaded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return &ConfigError{Msg: fmt.Sprintf("mapping file not found: %s", s.path)}
	}

	s.mu.RLock()
	fresh := s.cache != nil && !info.ModTime().After(s.mtime)
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	cache, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = cache
	s.mtime = info.ModTime()
	s.mu.Unlock()
	return nil
}

func (s *Store) load() (map[string]*models.FormMapping, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s: %v", s.path, err)}
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("mapping file must contain a top-level object: %v", err)}
	}
	cache := make(map[string]*models.FormMapping, len(top))
	for name, raw := range top {
		form, err := s.parseForm(name, raw)
		if err != nil {
			return nil, err
		}
		cache[name] = form
	}
	return cache, nil
}

func (s *Store) parseForm(name string, raw json.RawMessage) (*models.FormMapping, error) {
	// Legacy shape: a flat string map of submission key -> deal field.
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		keys, err := objectKeys(raw)
		if err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("form %q: %v", name, err)}
		}
		m := &models.FormMapping{
			Name:          name,
			Kind:          models.KindPrimary,
			DealFields:    flat,
			DealFieldKeys: keys,
		}
		m.Search = s.buildSearch(m, nil)
		return m, nil
	}

	var structured struct {
		DealFields         map[string]string          `json:"deal_fields"`
		Fields             map[string]string          `json:"fields"`
		ContactFields      map[string]string          `json:"contact_fields"`
		Contact            map[string]string          `json:"contact"`
		Kind               string                     `json:"kind"`
		ParticipationField string                     `json:"participation_field"`
		FileFields         map[string]string          `json:"file_fields"`
		Attachments        map[string]string          `json:"attachments"`
		Search             map[string]json.RawMessage `json:"search"`
	}
	if err := json.Unmarshal(raw, &structured); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("form %q: entry must be a string map or a structured object: %v", name, err)}
	}

	dealFields, dealSection := structured.DealFields, "deal_fields"
	if dealFields == nil {
		dealFields, dealSection = structured.Fields, "fields"
	}
	contactFields, contactSection := structured.ContactFields, "contact_fields"
	if contactFields == nil {
		contactFields, contactSection = structured.Contact, "contact"
	}
	fileFields := structured.FileFields
	if fileFields == nil {
		fileFields = structured.Attachments
	}
	kind := structured.Kind
	if kind == "" {
		kind = models.KindPrimary
	}
	if kind != models.KindPrimary && kind != models.KindSecondary {
		return nil, &ConfigError{Msg: fmt.Sprintf("form %q: unknown kind %q", name, kind)}
	}

	dealKeys, err := sectionKeys(raw, dealSection)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("form %q: %v", name, err)}
	}
	contactKeys, err := sectionKeys(raw, contactSection)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("form %q: %v", name, err)}
	}

	m := &models.FormMapping{
		Name:               name,
		Kind:               kind,
		DealFields:         orEmpty(dealFields),
		DealFieldKeys:      dealKeys,
		ContactFields:      orEmpty(contactFields),
		ContactFieldKeys:   contactKeys,
		ParticipationField: structured.ParticipationField,
		FileFields:         orEmpty(fileFields),
	}
	search, err := parseSearchConfig(name, structured.Search)
	if err != nil {
		return nil, err
	}
	m.Search = s.buildSearch(m, search)
	return m, nil
}

// buildSearch fills search keys, defaulting each unset list to a reverse
// lookup of the relevant CRM field in the form's own mappings.
func (s *Store) buildSearch(m *models.FormMapping, explicit map[string][]string) models.SearchFields {
	pick := func(key string, fallback func() []string) []string {
		if keys := explicit[key]; len(keys) > 0 {
			return keys
		}
		return fallback()
	}
	return models.SearchFields{
		INNKeys:     pick("inn", func() []string { return m.DealKeysFor(s.defaults.INNField) }),
		CompanyKeys: pick("company", func() []string { return m.DealKeysFor(s.defaults.TitleField) }),
		PhoneKeys:   pick("phone", func() []string { return m.ContactKeysFor("PHONE") }),
		EmailKeys:   pick("email", func() []string { return m.ContactKeysFor("EMAIL") }),
	}
}

func parseSearchConfig(form string, raw map[string]json.RawMessage) (map[string][]string, error) {
	out := map[string][]string{}
	for key, val := range raw {
		var single string
		if err := json.Unmarshal(val, &single); err == nil {
			out[key] = []string{single}
			continue
		}
		var list []string
		if err := json.Unmarshal(val, &list); err == nil {
			out[key] = list
			continue
		}
		return nil, &ConfigError{Msg: fmt.Sprintf("form %q: search.%s must be a string or list of strings", form, key)}
	}
	return out, nil
}

// objectKeys walks a JSON object's tokens to recover its key order, which
// encoding/json maps discard. Key order drives search-field precedence.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, fmt.Errorf("expected an object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// sectionKeys recovers key order for one named sub-object of a form entry.
func sectionKeys(raw json.RawMessage, section string) ([]string, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, err
	}
	sub, ok := outer[section]
	if !ok {
		return nil, nil
	}
	return objectKeys(sub)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
