package release

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Default changelist file names, as release pipelines name them.
const (
	DefaultChangelistFa = "Market_Changelist_Fa.txt"
	DefaultChangelistEn = "Market_Changelist_En.txt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Changelists are the release notes in each language the platforms take.
type Changelists struct {
	Fa string
	En string
}

// For returns the changelist for tag, matched by base language.
func (c *Changelists) For(tag language.Tag) (string, bool) {
	base, _ := tag.Base()
	switch base.String() {
	case "fa":
		return c.Fa, true
	case "en":
		return c.En, true
	}
	return "", false
}

// Languages lists the languages a changelist set carries, Persian first.
func Languages() []language.Tag {
	return []language.Tag{language.Persian, language.English}
}

// LanguageLabel renders tag the way the Myket panel labels translations,
// e.g. "Fa" and "En".
func LanguageLabel(tag language.Tag) string {
	base, _ := tag.Base()
	return cases.Title(language.Und).String(base.String())
}

// LoadChangelist reads a UTF-8 changelist file and normalises it.
func LoadChangelist(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read changelist: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("changelist %s is not valid UTF-8", path)
	}
	return NormalizeChangelist(string(data)), nil
}

// NormalizeChangelist applies NFC and removes trailing line breaks. Inner
// line breaks are kept.
func NormalizeChangelist(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(norm.NFC.String(s), "\n")
}
