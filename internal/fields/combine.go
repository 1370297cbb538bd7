package fields

import "strings"

// PageBreak separates the text of consecutive pages in combined text
const PageBreak = "\n\n--- PAGE BREAK ---\n\n"

// CombinePages joins page texts in order, skipping pages with no text
func CombinePages(pages []string) string {
	kept := make([]string, 0, len(pages))
	for _, text := range pages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		kept = append(kept, text)
	}
	return strings.Join(kept, PageBreak)
}
