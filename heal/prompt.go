package heal

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You repair broken CSS selectors for a browser test replay engine.
A recorded step failed because its selector no longer matches any element.
From the page context, propose replacement selectors for the SAME element the
original selector targeted.

Respond with JSON only, no prose:
{"candidates":[{"locator":"<css selector>","confidence":<0..1>,"reasoning":"<one sentence>"}]}

Rules:
- Order candidates best-first; at most 3.
- Prefer stable selectors: #id, [data-testid], [data-cy], [name], then classes.
- Confidence reflects certainty the candidate targets the originally intended element.
- If no plausible replacement exists, return {"candidates":[]}.`

// buildPrompt renders the failure context into the user message.
func buildPrompt(c Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Failed selector: %s\n", c.FailedLocator)
	fmt.Fprintf(&sb, "Step kind: %s\n", c.StepKind)
	fmt.Fprintf(&sb, "Error: %s\n", c.ErrorMessage)
	fmt.Fprintf(&sb, "Page URL: %s\n", c.URL)
	fmt.Fprintf(&sb, "Page title: %s\n\n", c.Title)

	if inv, err := json.MarshalIndent(c.Elements, "", "  "); err == nil {
		sb.WriteString("Interactive elements on the page:\n")
		sb.Write(inv)
		sb.WriteString("\n\n")
	}
	if c.PageMarkdown != "" {
		sb.WriteString("Page content (markdown):\n")
		sb.WriteString(c.PageMarkdown)
		sb.WriteString("\n")
	}
	return sb.String()
}
