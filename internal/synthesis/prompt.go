package synthesis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/docqa/internal/retrieval"
)

// SystemPrompt is the grounding policy sent with every question.
const SystemPrompt = `You are a strict document assistant. Answer ONLY from the CONTEXT provided by the user.
Each context block is labelled with its document, version and Modified date.
When blocks disagree, use the block with the most recent Modified date and ignore the older, conflicting text.
If the context does not contain the answer, say that you cannot confirm it from the available documents.
Answer in short bullet points. Cite the document, version and Modified date for every point.`

// maxDates bounds the dates reported per text.
const maxDates = 10

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:\d{1,2}[/-]){2}\d{2,4}\b`),
	regexp.MustCompile(`(?i)\b\d{4}[/-]\d{1,2}[/-]\d{1,2}\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\s+\d{2,4}\b`),
}

// ExtractDates returns the dates written in text, pattern by pattern,
// without duplicates, at most ten.
func ExtractDates(text string) []string {
	return appendDates(nil, text)
}

func appendDates(dates []string, text string) []string {
	seen := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		seen[d] = struct{}{}
	}
	for _, re := range datePatterns {
		for _, m := range re.FindAllString(text, -1) {
			if len(dates) >= maxDates {
				return dates
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			dates = append(dates, m)
		}
	}
	return dates
}

// Header labels a passage inside the prompt and in fallback answers.
func Header(p retrieval.Passage) string {
	return fmt.Sprintf("[Document: %s | Version: %d | Modified: %s | Score: %.4f]",
		p.Key, p.VersionNumber, p.ModifiedAt.UTC().Format("2006-01-02"), p.Score)
}

// UserPrompt renders the context blocks followed by the question.
func UserPrompt(query string, passages []retrieval.Passage) string {
	var b strings.Builder
	b.WriteString("CONTEXT:\n")
	for _, p := range passages {
		b.WriteString("\n")
		b.WriteString(Header(p))
		b.WriteString("\n")
		if dates := ExtractDates(p.Chunk.Text); len(dates) > 0 {
			b.WriteString("Dates mentioned: ")
			b.WriteString(strings.Join(dates, ", "))
			b.WriteString("\n")
		}
		b.WriteString(p.Chunk.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n")
	return b.String()
}
