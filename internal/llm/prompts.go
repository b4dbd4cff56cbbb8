package llm

import (
	"fmt"
	"strings"

	"mnemos/internal/types"
)

// Passage is a decrypted memory excerpt handed to the model as context.
// Plaintext lives only in the prompt for the duration of the call.
type Passage struct {
	MemoryID types.MemoryID
	Title    string
	Excerpt  string
}

const answerSystem = `You are the voice of a personal memory archive. Answer the
question using ONLY the numbered passages provided. Cite passages inline as
[1], [2] etc. If the passages do not contain the answer, say so plainly.
Never invent facts that are not in the passages.`

// AnswerPrompt builds the RAG prompt for a chat question.
func AnswerPrompt(question string, passages []Passage) (system, user string) {
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Title, p.Excerpt)
	}
	fmt.Fprintf(&b, "Question: %s", question)
	return answerSystem, b.String()
}

// TitlePrompt asks for a short conversation title from the opening message.
func TitlePrompt(firstMessage string) (system, user string) {
	return "You title conversations. Reply with a title of at most six words. No quotes, no punctuation at the end.",
		firstMessage
}

// TagPrompt asks for tag suggestions for a memory, preferring existing labels.
func TagPrompt(text string, existing []string) (system, user string) {
	system = `Suggest up to five short lowercase tags for the text. Prefer tags
from the existing list when they fit. Reply with one tag per line, nothing else.`
	var b strings.Builder
	if len(existing) > 0 {
		fmt.Fprintf(&b, "Existing tags: %s\n\n", strings.Join(existing, ", "))
	}
	b.WriteString(text)
	return system, b.String()
}

// ParseTags extracts tag lines from a TagPrompt completion.
func ParseTags(answer string, max int) []string {
	var tags []string
	for _, line := range strings.Split(answer, "\n") {
		t := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-")))
		t = strings.Trim(t, "\"'#")
		if t == "" {
			continue
		}
		tags = append(tags, t)
		if len(tags) == max {
			break
		}
	}
	return tags
}

var relationshipNames = func() string {
	kinds := []types.RelationshipKind{
		types.RelRelated, types.RelCausedBy, types.RelContradicts,
		types.RelSupports, types.RelReferences, types.RelExtends,
		types.RelSummarizes,
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}()

// ConnectionPrompt asks the model to label the relationship between two
// memory excerpts with one of the closed edge labels.
func ConnectionPrompt(a, b string) (system, user string) {
	system = fmt.Sprintf(`Two notes from the same personal archive follow.
Classify how the second relates to the first. Reply with exactly one word
from: %s.`, relationshipNames)
	return system, fmt.Sprintf("First:\n%s\n\nSecond:\n%s", a, b)
}

// ParseRelationship maps a ConnectionPrompt completion onto the closed edge
// set. Anything unparseable degrades to the generic related label.
func ParseRelationship(answer string) types.RelationshipKind {
	word := strings.ToLower(strings.TrimSpace(answer))
	if i := strings.IndexAny(word, " \n.,"); i >= 0 {
		word = word[:i]
	}
	if k := types.RelationshipKind(word); types.ValidRelationship(k) {
		return k
	}
	return types.RelRelated
}
