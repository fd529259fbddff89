package counseling

import (
	"strings"

	"github.com/ashureev/counsel-labs/internal/domain"
)

// summaryPrefixRunes caps how much of the transcript goes into the summary prompt.
const summaryPrefixRunes = 1000

// RenderTranscript renders interactions in order as alternating Student/Counselor turns.
func RenderTranscript(interactions []*domain.Interaction) string {
	var b strings.Builder
	for _, it := range interactions {
		b.WriteString("Student: ")
		b.WriteString(it.Question)
		b.WriteString("\nCounselor: ")
		b.WriteString(it.Answer)
		b.WriteString("\n\n")
	}
	return b.String()
}

// SummaryPrompt builds the instruction asking the vendor to summarize a transcript.
func SummaryPrompt(transcript string) string {
	if r := []rune(transcript); len(r) > summaryPrefixRunes {
		transcript = string(r[:summaryPrefixRunes])
	}
	return "Please provide a concise summary of this counseling session. Focus on the main topics discussed, " +
		"advice given, and next steps recommended. Format it as a professional session summary that could " +
		"be shared with the student.\n\nHere's the transcript:\n" + transcript + "..."
}
