package service

import (
	"bytes"
	"image"
	"image/png"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
)

func TestNormalizeValue(t *testing.T) {
	assert.Nil(t, NormalizeValue(nil))
	assert.Nil(t, NormalizeValue(""))
	assert.Nil(t, NormalizeValue("   "))
	assert.Equal(t, "x", NormalizeValue(" x "))
	assert.Equal(t, []any{"x"}, NormalizeValue([]any{" ", "x ", ""}))
	assert.Nil(t, NormalizeValue([]any{"", "  ", []any{}}))
	assert.Equal(t, []any{"a", "b"}, NormalizeValue([]string{"a", " b "}))
	assert.Equal(t, 42.0, NormalizeValue(42.0))
}

func TestCanonicalPhone(t *testing.T) {
	a := CanonicalPhone("+7 (900) 123-45-67")
	b := CanonicalPhone("89001234567")
	assert.Equal(t, "79001234567", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "12345", CanonicalPhone("1-23 45"))
	assert.Equal(t, "", CanonicalPhone("call me"))
}

func TestDetectFormKey(t *testing.T) {
	key, err := DetectFormKey(map[string]any{"formname": " abc "}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", key)

	// Precedence: formname beats formid.
	key, err = DetectFormKey(map[string]any{"formid": "low", "formname": "high"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "high", key)

	// Caller override wins over everything.
	key, err = DetectFormKey(map[string]any{"formname": "ignored"}, "forced", nil)
	require.NoError(t, err)
	assert.Equal(t, "forced", key)

	// Alias table folds legacy identifiers.
	key, err = DetectFormKey(map[string]any{"formname": "old_name"}, "", map[string]string{"old_name": "canonical"})
	require.NoError(t, err)
	assert.Equal(t, "canonical", key)

	_, err = DetectFormKey(map[string]any{"unrelated": "x"}, "", nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestFormDataToPayload(t *testing.T) {
	payload := FormDataToPayload(map[string][]string{
		"name":  {"Иван"},
		"phone": {"111", "222"},
	})
	assert.Equal(t, "Иван", payload["name"])
	assert.Equal(t, []any{"111", "222"}, payload["phone"])
}

func TestDeriveSearchValues(t *testing.T) {
	m := &models.FormMapping{
		Search: models.SearchFields{
			INNKeys:     []string{"inn"},
			CompanyKeys: []string{"company", "brand"},
			PhoneKeys:   []string{"phone", "phone2"},
			EmailKeys:   []string{"email"},
		},
	}
	payload := map[string]any{
		"inn":     " 7701234567 ",
		"company": "Acme",
		"brand":   "Acme", // duplicate company value collapses
		"phone":   []any{"89001234567", "+7 (900) 123-45-67"},
		"phone2":  "89005550000",
		"email":   " USER@Example.COM ",
	}
	sv := DeriveSearchValues(m, payload)
	assert.Equal(t, "7701234567", sv.INN)
	assert.Equal(t, []string{"Acme"}, sv.Companies)
	assert.Equal(t, []string{"79001234567", "79005550000"}, sv.Phones)
	assert.Equal(t, []string{"user@example.com"}, sv.Emails)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "ev_il.png", sanitizeFileName("../ev il.png"))
	assert.Equal(t, "photo-1.jpg", sanitizeFileName("photo-1.jpg"))
	assert.Equal(t, "", sanitizeFileName("///"))
}

func TestStageUploads(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "Иван"))

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	part, err := mw.CreateFormFile("show_files", "my photo.png")
	require.NoError(t, err)
	_, err = part.Write(pngBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest("POST", "/webhook/tilda", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, r.ParseMultipartForm(1<<20))

	tmpRoot := t.TempDir()
	stagingDir, uploads, err := StageUploads(r, tmpRoot, []string{"show_files"})
	require.NoError(t, err)
	require.Len(t, uploads, 1)

	u := uploads[0]
	assert.Equal(t, "show_files", u.Field)
	assert.Equal(t, "my photo.png", u.FileName)
	assert.True(t, u.Recompressed)
	assert.FileExists(t, u.Path)

	sub := &models.Submission{StagingDir: stagingDir, Uploads: uploads}
	sub.Cleanup()
	assert.NoFileExists(t, u.Path)
	_, statErr := os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStageUploadsNoFiles(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/tilda", nil)
	dir, uploads, err := StageUploads(r, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, dir)
	assert.Empty(t, uploads)
}
