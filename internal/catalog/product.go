package catalog

import "strings"

// Product is one catalog record. The embedding is derived from
// Document() at build/upsert time; a changed description means the
// record must be re-upserted, never edited in place.
type Product struct {
	ID          string            `json:"product_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Summary     string            `json:"summary,omitempty"`
	Quotes      []string          `json:"quotes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

const maxQuotes = 2

// Document folds the product fields into one embeddable text: name and
// description, plus the review summary and a couple of quotes when the
// catalog export carries them.
func (p Product) Document() string {
	var b strings.Builder
	b.WriteString("PRODUCT: ")
	b.WriteString(p.Name)
	b.WriteString(" | id=")
	b.WriteString(p.ID)
	if p.Description != "" {
		b.WriteString("\nDESC: ")
		b.WriteString(p.Description)
	}
	if p.Summary != "" {
		b.WriteString("\nSUMMARY: ")
		b.WriteString(p.Summary)
	}
	for i, q := range p.Quotes {
		if i >= maxQuotes {
			break
		}
		if strings.TrimSpace(q) == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(q)
	}
	return b.String()
}

// Match pairs a retrieved product with its similarity score.
type Match struct {
	Product Product `json:"product"`
	Score   float32 `json:"score"`
}
