package file

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// managedPrefix marks image paths owned by this service. Anything else
// (external URLs, hand-placed files) is never deleted.
const managedPrefix = "assets/images/"

// AssetStorage keeps question images under <publicDir>/assets/images, one
// folder per category. Recorded paths are relative to publicDir so they can
// be served as-is.
type AssetStorage struct {
	publicDir string
	now       func() time.Time
}

func NewAssetStorage(publicDir string) *AssetStorage {
	return &AssetStorage{publicDir: publicDir, now: time.Now}
}

// SaveImage writes the payload under the category's folder and returns the
// relative path. The filename carries a country code when one can be
// derived from the correct answer, else a timestamp plus random suffix.
func (a *AssetStorage) SaveImage(category, originalName, correctAnswer string, data []byte) (string, error) {
	folder := CategoryFolderName(category)
	dir := filepath.Join(a.publicDir, "assets", "images", folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image folder: %w", err)
	}

	filename := a.imageFilename(category, originalName, correctAnswer)
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path.Join("assets", "images", folder, filename), nil
}

// DeleteImage removes a managed image file. Missing files are fine.
func (a *AssetStorage) DeleteImage(relPath string) error {
	if !a.IsManagedPath(relPath) {
		return fmt.Errorf("refusing to delete unmanaged path %q", relPath)
	}
	err := os.Remove(filepath.Join(a.publicDir, filepath.FromSlash(relPath)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveCategoryFolderIfEmpty drops the category's image folder when it no
// longer holds files. Non-empty folders are kept.
func (a *AssetStorage) RemoveCategoryFolderIfEmpty(category string) error {
	dir := filepath.Join(a.publicDir, "assets", "images", CategoryFolderName(category))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}

// IsManagedPath reports whether relPath points into the managed image tree.
func (a *AssetStorage) IsManagedPath(relPath string) bool {
	if !strings.HasPrefix(relPath, managedPrefix) {
		return false
	}
	return !strings.Contains(relPath, "..")
}

func (a *AssetStorage) imageFilename(category, originalName, correctAnswer string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(originalName), "."))
	if ext == "" {
		ext = "jpg"
	}
	if code := CountryCode(correctAnswer); code != "" {
		return fmt.Sprintf("%s%s.%s", strings.ToLower(category), code, ext)
	}
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s_%d_%s.%s", strings.ToLower(category), a.now().UnixMilli(), suffix, ext)
}

// CategoryFolderName maps a category key to its image folder:
// "google_cars" becomes "Google Cars".
func CategoryFolderName(category string) string {
	words := strings.Split(category, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		runes := []rune(word)
		words[i] = strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
	return strings.Join(words, " ")
}

// countryCodes maps answer country names (German and English) to the short
// codes used in image filenames.
var countryCodes = map[string]string{
	"Deutschland":             "GER",
	"Germany":                 "GER",
	"Frankreich":              "FR",
	"France":                  "FR",
	"Italien":                 "IT",
	"Italy":                   "IT",
	"Spanien":                 "ES",
	"Spain":                   "ES",
	"Belgien":                 "BE",
	"Belgium":                 "BE",
	"Niederlande":             "NL",
	"Netherlands":             "NL",
	"Großbritannien":          "UK",
	"United Kingdom":          "UK",
	"Vereinigtes Königreich":  "UK",
	"Polen":                   "PL",
	"Poland":                  "PL",
	"Russland":                "RU",
	"Russia":                  "RU",
	"Kasachstan":              "KZ",
	"Kazakhstan":              "KZ",
	"Luxemburg":               "LUX",
	"Luxembourg":              "LUX",
	"Slowakei":                "SK",
	"Slovakia":                "SK",
	"Türkei":                  "TR",
	"Turkey":                  "TR",
	"Kenia":                   "KE",
	"Kenya":                   "KE",
	"Mongolei":                "MN",
	"Mongolia":                "MN",
	"Argentinien":             "AR",
	"Argentina":               "AR",
	"Brasilien":               "BR",
	"Brazil":                  "BR",
	"Indien":                  "IN",
	"India":                   "IN",
	"Japan":                   "JP",
	"Sri Lanka":               "LK",
	"Portugal":                "PT",
	"Rumänien":                "RO",
	"Romania":                 "RO",
	"Thailand":                "TH",
}

// CountryCode returns the filename code for a country answer, empty when
// unknown.
func CountryCode(answer string) string {
	return countryCodes[answer]
}
