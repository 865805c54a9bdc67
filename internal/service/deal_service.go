package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/auditlog"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/config"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/mapping"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

const titlePlaceholder = "Заявка с Тильды"

// linesheetKey is the reserved file-fields entry whose uploads attach to
// every deal a submission produces.
const linesheetKey = "linesheet"

// Result is what the submission endpoint returns to the form source.
type Result struct {
	DealIDs []int  `json:"deal_ids,omitempty"`
	Note    string `json:"note,omitempty"`
}

// DealService drives the per-submission pipeline: mapping lookup, entity
// dedup, base-deal transition and the per-category deal fan-out.
//
// The fan-out is strictly sequential. A failed deal creation aborts the
// remaining categories; deals already created are not rolled back, and the
// audit log reflects every completed step.
type DealService struct {
	crm      *bitrix.Client
	mappings *mapping.Store
	resolver *EntityResolver
	placer   *FilePlacer
	audit    *auditlog.Logger
	cfg      *config.Config
}

func NewDealService(crm *bitrix.Client, mappings *mapping.Store, resolver *EntityResolver, placer *FilePlacer, audit *auditlog.Logger, cfg *config.Config) *DealService {
	return &DealService{crm: crm, mappings: mappings, resolver: resolver, placer: placer, audit: audit, cfg: cfg}
}

// Process handles one staged submission end to end.
func (s *DealService) Process(ctx context.Context, sub *models.Submission) (*Result, error) {
	m, err := s.mappings.GetForm(sub.FormKey)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if err := s.audit.Write(auditlog.Entry{Source: sub.FormKey, PayloadRaw: sub.Payload}); err != nil {
			return nil, err
		}
		return &Result{Note: fmt.Sprintf("Mapping for form %q is not configured", sub.FormKey)}, nil
	}

	if m.Kind == models.KindSecondary {
		return s.processSecondary(ctx, m, sub)
	}
	return s.processPrimary(ctx, m, sub)
}

func (s *DealService) processPrimary(ctx context.Context, m *models.FormMapping, sub *models.Submission) (*Result, error) {
	search := DeriveSearchValues(m, sub.Payload)

	contact, err := s.resolver.FindContact(ctx, search)
	if err != nil {
		return nil, err
	}

	// Base-deal transition is independent of the fan-out below.
	baseDealID, err := s.resolver.FindBaseDeal(ctx, search, contact)
	if err != nil {
		return nil, err
	}
	if baseDealID != 0 {
		if err := s.crm.UpdateDeal(ctx, baseDealID, map[string]any{"STAGE_ID": s.cfg.BaseWonStage}); err != nil {
			return nil, err
		}
		err := s.audit.Write(auditlog.Entry{
			Source:     sub.FormKey,
			PayloadRaw: sub.Payload,
			DealID:     baseDealID,
			Extra:      map[string]any{"event": "base_deal_won", "stage": s.cfg.BaseWonStage},
		})
		if err != nil {
			return nil, err
		}
	}

	categories := ExtractCategories(sub.Payload[m.ParticipationField], s.cfg.ParticipationKeywords)
	if len(categories) == 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf("no participation categories in field %q", m.ParticipationField)}
	}

	contactID, companyID, created, err := s.resolver.EnsureContact(ctx, m, sub.Payload, search, contact)
	if err != nil {
		return nil, err
	}
	if created {
		err := s.audit.Write(auditlog.Entry{
			Source:     sub.FormKey,
			PayloadRaw: sub.Payload,
			Extra:      map[string]any{"event": "contact_created", "contact_id": contactID},
		})
		if err != nil {
			return nil, err
		}
	}

	var dealIDs []int
	for _, category := range categories {
		fields, _ := s.buildDealFields(m, sub, s.cfg.ApplicationsCategoryID, s.cfg.ApplicationsNewStage)
		fields[s.cfg.TitleField] = s.dealTitle(m, sub, search) + " / " + category
		attachLinks(fields, contactID, companyID)

		dealID, err := s.crm.CreateDeal(ctx, fields)
		if err != nil {
			return nil, err
		}
		dealIDs = append(dealIDs, dealID)

		fileGroups, placeErr := s.placeCategoryFiles(ctx, m, sub, dealID, category)
		auditErr := s.audit.Write(auditlog.Entry{
			Source:       sub.FormKey,
			PayloadRaw:   sub.Payload,
			MappedFields: fields,
			DealID:       dealID,
			Extra:        map[string]any{"event": "deal_created", "category": category, "files": fileGroups},
		})
		if placeErr != nil {
			return nil, placeErr
		}
		if auditErr != nil {
			return nil, auditErr
		}
	}
	return &Result{DealIDs: dealIDs}, nil
}

func (s *DealService) processSecondary(ctx context.Context, m *models.FormMapping, sub *models.Submission) (*Result, error) {
	search := DeriveSearchValues(m, sub.Payload)

	fields, mapped := s.buildDealFields(m, sub, s.cfg.SecondaryCategoryID, s.cfg.SecondaryNewStage)
	if mapped == 0 {
		// Only the fixed CATEGORY_ID/STAGE_ID/SOURCE_ID record made it through.
		if err := s.audit.Write(auditlog.Entry{Source: sub.FormKey, PayloadRaw: sub.Payload, MappedFields: fields}); err != nil {
			return nil, err
		}
		return &Result{Note: "No mapped fields with values were found"}, nil
	}
	fields[s.cfg.TitleField] = s.dealTitle(m, sub, search)

	contact, err := s.resolver.FindContact(ctx, search)
	if err != nil {
		return nil, err
	}
	contactID, companyID, created, err := s.resolver.EnsureContact(ctx, m, sub.Payload, search, contact)
	if err != nil {
		return nil, err
	}
	if created {
		err := s.audit.Write(auditlog.Entry{
			Source:     sub.FormKey,
			PayloadRaw: sub.Payload,
			Extra:      map[string]any{"event": "contact_created", "contact_id": contactID},
		})
		if err != nil {
			return nil, err
		}
	}
	attachLinks(fields, contactID, companyID)

	dealID, err := s.crm.CreateDeal(ctx, fields)
	if err != nil {
		return nil, err
	}

	fileGroups := map[string][]string{}
	var placeErr error
	for _, key := range sortedKeys(m.FileFields) {
		target := s.cfg.FileFieldForCategory(key)
		ids, err := s.placer.Place(ctx, dealID, sub.UploadsFor(m.FileFields[key]), target)
		if err != nil {
			placeErr = err
			break
		}
		if len(ids) > 0 {
			fileGroups[target] = ids
		}
	}
	auditErr := s.audit.Write(auditlog.Entry{
		Source:       sub.FormKey,
		PayloadRaw:   sub.Payload,
		MappedFields: fields,
		DealID:       dealID,
		Extra:        map[string]any{"event": "deal_created", "files": fileGroups},
	})
	if placeErr != nil {
		return nil, placeErr
	}
	if auditErr != nil {
		return nil, auditErr
	}
	return &Result{DealIDs: []int{dealID}}, nil
}

// buildDealFields merges the fixed base record with the mapping's deal
// fields. When both target the same CRM field the values concatenate into a
// list, base value first, rather than overwrite.
func (s *DealService) buildDealFields(m *models.FormMapping, sub *models.Submission, categoryID int, stage string) (map[string]any, int) {
	fields := map[string]any{
		"CATEGORY_ID": categoryID,
		"STAGE_ID":    stage,
		"SOURCE_ID":   sub.FormKey,
	}
	mapped := 0
	for _, key := range m.DealFieldKeys {
		crmField := m.DealFields[key]
		value := NormalizeValue(sub.Payload[key])
		if value == nil {
			continue
		}
		mapped++
		if existing, ok := fields[crmField]; ok {
			fields[crmField] = concatValues(existing, value)
		} else {
			fields[crmField] = value
		}
	}
	return fields, mapped
}

// dealTitle synthesizes a deal title: resolved company name, else the
// submitter's name field, else a fixed placeholder.
func (s *DealService) dealTitle(m *models.FormMapping, sub *models.Submission, search SearchValues) string {
	if company := search.Company(); company != "" {
		return company
	}
	if name := NormalizedString(sub.Payload, "name"); name != "" {
		return name
	}
	return titlePlaceholder
}

// placeCategoryFiles uploads the category's own files plus the shared
// linesheet files, returning target field -> placed file ids.
func (s *DealService) placeCategoryFiles(ctx context.Context, m *models.FormMapping, sub *models.Submission, dealID int, category string) (map[string][]string, error) {
	groups := map[string][]string{}

	targets := [][2]string{
		{s.cfg.FileFieldForCategory(category), fileFieldFor(m, category)},
		{s.cfg.FileFieldForCategory(linesheetKey), fileFieldFor(m, linesheetKey)},
	}
	for _, t := range targets {
		crmField, subField := t[0], t[1]
		ids, err := s.placer.Place(ctx, dealID, sub.UploadsFor(subField), crmField)
		if err != nil {
			return groups, err
		}
		if len(ids) > 0 {
			groups[crmField] = ids
		}
	}
	return groups, nil
}

// fileFieldFor resolves the submission field holding a category's uploads;
// mapping keys match the category keyword case-insensitively.
func fileFieldFor(m *models.FormMapping, category string) string {
	for key, subField := range m.FileFields {
		if strings.EqualFold(key, category) {
			return subField
		}
	}
	return ""
}

// concatValues flattens both values into one list, base value first.
func concatValues(base, mapped any) []any {
	return appendValue(appendValue(nil, base), mapped)
}

func appendValue(list []any, v any) []any {
	if items, ok := v.([]any); ok {
		return append(list, items...)
	}
	return append(list, v)
}

func attachLinks(fields map[string]any, contactID, companyID int) {
	if companyID != 0 {
		if _, ok := fields["COMPANY_ID"]; !ok {
			fields["COMPANY_ID"] = companyID
		}
	}
	if contactID != 0 {
		fields["CONTACT_ID"] = contactID
	}
}

// categoryDelimiters split a participation field value into tokens.
var categoryDelimiters = func(r rune) bool {
	return r == ',' || r == ';' || r == '/' || r == '\n'
}

// ExtractCategories matches the field's tokens case-insensitively against
// the fixed keyword vocabulary, deduplicating while preserving first-seen
// order. Keywords come back in their canonical spelling.
func ExtractCategories(value any, vocabulary []string) []string {
	var categories []string
	seen := map[string]bool{}
	for _, raw := range valueStrings(NormalizeValue(value)) {
		for _, token := range strings.FieldsFunc(raw, categoryDelimiters) {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			for _, keyword := range vocabulary {
				if strings.EqualFold(token, keyword) && !seen[keyword] {
					seen[keyword] = true
					categories = append(categories, keyword)
				}
			}
		}
	}
	return categories
}
