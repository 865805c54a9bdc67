package service

import (
	"context"
	"fmt"
	"log"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

// FilePlacer routes staged uploads into CRM-attached storage: a deal-scoped
// folder under the uploads root, then a single deal update carrying the full
// file-id list.
type FilePlacer struct {
	crm *bitrix.Client
}

func NewFilePlacer(crm *bitrix.Client) *FilePlacer {
	return &FilePlacer{crm: crm}
}

// Place uploads the files and writes their ids to the deal's target field.
// No-op when there are no files or no target field: zero folder lookups,
// zero deal updates.
func (p *FilePlacer) Place(ctx context.Context, dealID int, files []models.Upload, targetField string) ([]string, error) {
	if len(files) == 0 || targetField == "" {
		return nil, nil
	}

	parentID, err := p.crm.EnsureUploadsParent(ctx)
	if err != nil {
		return nil, err
	}
	folderID, err := p.crm.EnsureFolder(ctx, parentID, fmt.Sprintf("deal_%d", dealID))
	if err != nil {
		return nil, err
	}

	var fileIDs []string
	var lastErr error
	for _, f := range files {
		id, err := p.crm.UploadFile(ctx, folderID, f.Path)
		if err != nil {
			log.Printf("Warning: upload %s for deal %d: %v", f.FileName, dealID, err)
			lastErr = err
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	if len(fileIDs) == 0 {
		return nil, lastErr
	}

	// One update per field, never one per file.
	if err := p.crm.UpdateDeal(ctx, dealID, map[string]any{targetField: fileIDs}); err != nil {
		return nil, err
	}
	return fileIDs, nil
}
