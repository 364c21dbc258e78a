package audio

import (
	"fmt"
	"strings"
	"unicode"
)

const maxTitleRunes = 100

// SanitizeTitle makes a title safe to use inside a file name.
func SanitizeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, title)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); len(runes) > maxTitleRunes {
		cleaned = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	cleaned = strings.ReplaceAll(cleaned, " ", "_")
	if cleaned == "" {
		return "untitled"
	}
	return cleaned
}

// ChapterFileName is the on-disk name of a chapter artifact. The ordinal
// prefix keeps names unique even when titles collide.
func ChapterFileName(index int, title string, format Format) string {
	return fmt.Sprintf("chapter_%03d_%s%s", index, SanitizeTitle(title), format.Ext())
}

// BookFileName is the on-disk name of the combined audiobook.
func BookFileName(title string, format Format) string {
	return SanitizeTitle(title) + "_complete" + format.Ext()
}
