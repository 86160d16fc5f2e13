package memory

import (
	"strings"

	"github.com/szaher/recall/internal/store"
)

// Section headers of the memory context block.
const (
	summaryHeader  = "Long-term summary:"
	recentHeader   = "Recent conversation:"
	semanticHeader = "Relevant past memories:"
)

// BuildContext renders the summary, the recency window and the semantic
// hits as one text block. Empty inputs drop their section; all empty
// yields "".
func BuildContext(summary string, recent []store.Message, semantic []store.Hit) string {
	var sections []string

	if s := strings.TrimSpace(summary); s != "" {
		sections = append(sections, summaryHeader+"\n"+s)
	}

	if len(recent) > 0 {
		var b strings.Builder
		b.WriteString(recentHeader)
		for _, m := range recent {
			b.WriteString("\n")
			b.WriteString(strings.ToUpper(string(m.Role)))
			b.WriteString(": ")
			b.WriteString(m.Content)
		}
		sections = append(sections, b.String())
	}

	if len(semantic) > 0 {
		var b strings.Builder
		b.WriteString(semanticHeader)
		for _, h := range semantic {
			b.WriteString("\n- ")
			b.WriteString(h.Content)
		}
		sections = append(sections, b.String())
	}

	return strings.Join(sections, "\n\n")
}
