package memory

import (
	"strings"
	"unicode/utf8"

	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/store"
	"github.com/fitcoach/coach/internal/coach/tokens"
)

// maxSnippetRunes is the longest memory content quoted in a snippet.
const maxSnippetRunes = 300

// Assembled is the budgeted context for one turn.
type Assembled struct {
	// CurrentContext is a chronological prefix of the recent messages.
	CurrentContext []llm.Message
	// RetrievedSummary holds one snippet per line, or "" when no memory
	// fit or survived deduplication.
	RetrievedSummary string
	// CurrentTokens and RetrievedTokens are the estimates actually used.
	CurrentTokens   int
	RetrievedTokens int
}

// Assemble fits recent messages into currentBudget and memories into
// retrievedBudget.
//
// Recent messages are admitted oldest first while the running total stays
// strictly below currentBudget; the first message that does not fit ends
// the walk. Memories whose content already appears in the admitted
// messages are dropped, the rest become snippets admitted in the given
// order under the same rule against retrievedBudget.
func Assemble(recent []store.Message, memories []RetrievedMemory, currentBudget, retrievedBudget int) Assembled {
	var out Assembled

	costs := make([]int, len(recent))
	for i, m := range recent {
		costs[i] = tokens.Estimate(m.Content)
	}
	n, used := firstFit(costs, currentBudget)
	out.CurrentTokens = used

	seen := make(map[string]struct{}, n)
	for _, m := range recent[:n] {
		out.CurrentContext = append(out.CurrentContext, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
		seen[normalise(m.Content)] = struct{}{}
	}

	var snippets []string
	for _, mem := range memories {
		if _, dup := seen[normalise(mem.Content)]; dup {
			continue
		}
		if snippet, ok := formatSnippet(mem); ok {
			snippets = append(snippets, snippet)
		}
	}
	costs = costs[:0]
	for _, sn := range snippets {
		costs = append(costs, tokens.Estimate(sn))
	}
	n, used = firstFit(costs, retrievedBudget)
	out.RetrievedTokens = used
	out.RetrievedSummary = strings.Join(snippets[:n], "\n")

	return out
}

// firstFit returns how many leading costs fit while the running total stays
// strictly below budget, and that total. It never skips ahead.
func firstFit(costs []int, budget int) (n, used int) {
	for _, c := range costs {
		if used+c >= budget {
			break
		}
		used += c
		n++
	}
	return n, used
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// formatSnippet labels a memory by who said it. Roles other than user and
// assistant are not quoted.
func formatSnippet(m RetrievedMemory) (string, bool) {
	content := m.Content
	if utf8.RuneCountInString(content) > maxSnippetRunes {
		content = string([]rune(content)[:maxSnippetRunes]) + "..."
	}
	switch m.Role {
	case store.RoleUser:
		return `User previously said: "` + content + `"`, true
	case store.RoleAssistant:
		return `You previously told them: "` + content + `"`, true
	default:
		return "", false
	}
}
