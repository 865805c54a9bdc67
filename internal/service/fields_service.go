package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
)

// ErrFieldsNotCached is returned when the deal-field schema was never
// fetched successfully.
var ErrFieldsNotCached = errors.New("bitrix fields cache is empty")

// FieldsService keeps a local JSON snapshot of the CRM's deal field schema.
// The snapshot is refreshed at startup and on demand.
type FieldsService struct {
	crm       *bitrix.Client
	cachePath string
}

func NewFieldsService(crm *bitrix.Client, cachePath string) *FieldsService {
	return &FieldsService{crm: crm, cachePath: cachePath}
}

// Refresh fetches the deal field schema and rewrites the snapshot file.
func (s *FieldsService) Refresh(ctx context.Context) error {
	fields, err := s.crm.FetchDealFields(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		return fmt.Errorf("fields cache: create dir: %w", err)
	}
	f, err := os.Create(s.cachePath)
	if err != nil {
		return fmt.Errorf("fields cache: create %s: %w", s.cachePath, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fields); err != nil {
		return fmt.Errorf("fields cache: write %s: %w", s.cachePath, err)
	}
	return nil
}

// Cached returns the snapshot, or ErrFieldsNotCached when none exists yet.
func (s *FieldsService) Cached() (map[string]any, error) {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFieldsNotCached
		}
		return nil, fmt.Errorf("fields cache: read %s: %w", s.cachePath, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("fields cache: parse %s: %w", s.cachePath, err)
	}
	return fields, nil
}
