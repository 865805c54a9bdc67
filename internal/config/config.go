package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	GelfAddr string

	BitrixBaseURL      string
	OutboundWebhookURL string
	ForwardFields      []string

	TildaBaseURL   string
	TildaPublicKey string
	TildaSecretKey string
	TildaProjectID int

	MappingFile     string
	AuditLogFile    string
	FieldsCacheFile string
	UploadTmpDir    string
	RequestTimeout  time.Duration

	BaseCategoryID         int
	ApplicationsCategoryID int
	SecondaryCategoryID    int
	BaseWonStage           string
	ApplicationsNewStage   string
	SecondaryNewStage      string

	ShowFileField      string
	MarketFileField    string
	LinesheetFileField string
	INNField           string
	TitleField         string

	DiskUserID         int
	DiskRootFolderName string

	ParticipationKeywords []string
	RecompressFields      []string
	FormAliases           map[string]string
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("BRIDGE_ADDR", ":8080"),
		GelfAddr: getEnv("BRIDGE_GELF_ADDR", ""),

		BitrixBaseURL:      getEnv("BITRIX_WEBHOOK_BASE_URL", ""),
		OutboundWebhookURL: getEnv("B24_OUTBOUND_WEBHOOK_URL", ""),
		ForwardFields:      getEnvList("B24_FORWARD_FIELDS", nil),

		TildaBaseURL:   getEnv("TILDA_API_BASE_URL", "https://api.tilda.cc/"),
		TildaPublicKey: getEnv("TILDA_PUBLIC_KEY", ""),
		TildaSecretKey: getEnv("TILDA_SECRET_KEY", ""),
		TildaProjectID: getEnvInt("TILDA_PROJECT_ID", 0),

		MappingFile:     getEnv("BRIDGE_MAPPING_FILE", "mapping.json"),
		AuditLogFile:    getEnv("BRIDGE_LOG_FILE", "data/events.log"),
		FieldsCacheFile: getEnv("BRIDGE_FIELDS_CACHE", "data/bitrix_fields.json"),
		UploadTmpDir:    getEnv("BRIDGE_UPLOAD_TMP_DIR", "data/tmp_uploads"),
		RequestTimeout:  time.Duration(getEnvInt("BRIDGE_REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,

		BaseCategoryID:         getEnvInt("BITRIX_CATEGORY_BASE_ID", 6),
		ApplicationsCategoryID: getEnvInt("BITRIX_CATEGORY_APPLICATIONS_ID", 8),
		SecondaryCategoryID:    getEnvInt("BITRIX_CATEGORY_SECONDARY_ID", 12),
		BaseWonStage:           getEnv("BITRIX_STAGE_BASE_WON", "C6:WON"),
		ApplicationsNewStage:   getEnv("BITRIX_STAGE_APPLICATIONS_NEW", "C8:NEW"),
		SecondaryNewStage:      getEnv("BITRIX_STAGE_SECONDARY_NEW", "C12:NEW"),

		ShowFileField:      getEnv("BITRIX_SHOW_FILE_FIELD", "UF_CRM_1764235976815"),
		MarketFileField:    getEnv("BITRIX_MARKET_FILE_FIELD", "UF_CRM_1764236005770"),
		LinesheetFileField: getEnv("BITRIX_LINESHEET_FILE_FIELD", "UF_CRM_1764236031214"),
		INNField:           getEnv("BITRIX_INN_FIELD", "UF_INN"),
		TitleField:         getEnv("BITRIX_TITLE_FIELD", "TITLE"),

		DiskUserID:         getEnvInt("BITRIX_DISK_USER_ID", 1),
		DiskRootFolderName: getEnv("BITRIX_DISK_ROOT_FOLDER_NAME", "TildaUploads"),

		ParticipationKeywords: getEnvList("BRIDGE_PARTICIPATION_KEYWORDS", []string{"Показ", "Маркет", "Шоурум"}),
		RecompressFields:      getEnvList("BRIDGE_RECOMPRESS_FIELDS", nil),
		FormAliases:           getEnvPairs("BRIDGE_FORM_ALIASES"),
	}
}

// FileFieldForCategory returns the CRM file-list field that a participation
// category's uploads are written to. Categories without a dedicated field
// (e.g. showroom) get no file placement.
func (c *Config) FileFieldForCategory(category string) string {
	switch strings.ToLower(category) {
	case "показ":
		return c.ShowFileField
	case "маркет":
		return c.MarketFileField
	case "linesheet":
		return c.LinesheetFileField
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList parses a comma-separated env var, trimming blanks.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

// getEnvPairs parses "old=new,old2=new2" into a map.
func getEnvPairs(key string) map[string]string {
	pairs := map[string]string{}
	for _, item := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			pairs[k] = v
		}
	}
	return pairs
}
