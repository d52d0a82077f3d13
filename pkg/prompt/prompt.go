package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"tinytales/pkg/domain"
)

// Scene describes what a single illustration should depict.
type Scene struct {
	Location string
	Action   string
}

const illustrationDirectives = "Soft watercolor children's book illustration, warm colors, gentle friendly mood, no text or lettering in the image."

// BuildIllustrationPrompt renders the fixed illustration template for one
// character in one scene. Pure formatting: trait order is preserved and an
// empty trait list renders as an empty segment.
func BuildIllustrationPrompt(character domain.Character, scene Scene) string {
	var b strings.Builder
	b.WriteString(character.Name)
	if species := strings.TrimSpace(character.Species); species != "" {
		b.WriteString(" the ")
		b.WriteString(species)
	}
	if len(character.Traits) > 0 {
		b.WriteString(", ")
		b.WriteString(strings.Join(character.Traits, ", "))
	}
	if action := strings.TrimSpace(scene.Action); action != "" {
		b.WriteString(", ")
		b.WriteString(action)
	}
	if location := strings.TrimSpace(scene.Location); location != "" {
		b.WriteString(", in ")
		b.WriteString(location)
	}
	b.WriteString(". ")
	b.WriteString(illustrationDirectives)
	return b.String()
}

var (
	metaBlockRe  = regexp.MustCompile(`(?s)\A\s*---\n.*?\n---\n`)
	blankRunsRe  = regexp.MustCompile(`\n{3,}`)
	trailingWhit = regexp.MustCompile(`[ \t]+\n`)
)

// SanitizeForModel strips leading "---"-delimited metadata blocks and
// collapses runs of blank lines before text is sent to a model.
// Idempotent: a second pass is a no-op.
func SanitizeForModel(text string) string {
	// Strip to a fixed point: the remainder after one block may itself
	// begin with another block.
	for {
		stripped := metaBlockRe.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = stripped
	}
	text = trailingWhit.ReplaceAllString(text, "\n")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// PageContext accumulates narrative state across sequential page
// generations so later pages can stay coherent with earlier ones.
type PageContext struct {
	summaries []string
}

// Add records a summary of a completed page.
func (c *PageContext) Add(summary string) {
	summary = strings.TrimSpace(summary)
	if summary != "" {
		c.summaries = append(c.summaries, summary)
	}
}

// Summaries returns prior page summaries in page order.
func (c *PageContext) Summaries() []string {
	return c.summaries
}

// StoryParams are the user-chosen knobs for one story request.
type StoryParams struct {
	Theme        string
	Language     string
	Category     string
	WritingStyle string
	ReaderAge    int
	PageCount    int
}

// SystemPrompt is the fixed storyteller instruction sent with every
// page-text request.
const SystemPrompt = "You are a children's story writer. Write warm, age-appropriate prose. Respond with the page text only, no headings, no markdown."

// BuildPagePrompt renders the narrative prompt for page pageNumber of a
// story, feeding forward summaries of the pages already written.
func BuildPagePrompt(params StoryParams, profile domain.ChildProfile, characters []domain.Character, pageNumber int, ctx *PageContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write page %d of %d of a children's story.\n", pageNumber, params.PageCount)
	fmt.Fprintf(&b, "Theme: %s.\n", params.Theme)
	if params.Category != "" {
		fmt.Fprintf(&b, "Category: %s.\n", params.Category)
	}
	if params.WritingStyle != "" {
		fmt.Fprintf(&b, "Writing style: %s.\n", params.WritingStyle)
	}
	fmt.Fprintf(&b, "Language: %s. Target reader age: %d.\n", params.Language, params.ReaderAge)
	if profile.Name != "" {
		fmt.Fprintf(&b, "The story is for %s, age %d.", profile.Name, profile.Age)
		if len(profile.Interests) > 0 {
			fmt.Fprintf(&b, " %s loves %s.", profile.Name, strings.Join(profile.Interests, ", "))
		}
		b.WriteString("\n")
	}
	for _, ch := range characters {
		fmt.Fprintf(&b, "Character: %s the %s", ch.Name, ch.Species)
		if len(ch.Traits) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(ch.Traits, ", "))
		}
		b.WriteString(".\n")
	}
	if prior := ctx.Summaries(); len(prior) > 0 {
		b.WriteString("The story so far:\n")
		for i, summary := range prior {
			fmt.Fprintf(&b, "Page %d: %s\n", i+1, summary)
		}
	}
	switch {
	case pageNumber == params.PageCount:
		b.WriteString("This is the final page: bring the story to a gentle, happy ending.")
	case pageNumber == 1:
		b.WriteString("Open the story and introduce the characters.")
	default:
		b.WriteString("Continue the story from where the previous page left off.")
	}
	return b.String()
}

// Summarize trims page text down to a short feed-forward summary. The
// first sentences are enough context for the next page's prompt.
func Summarize(pageText string, maxRunes int) string {
	pageText = strings.TrimSpace(pageText)
	if maxRunes <= 0 || len([]rune(pageText)) <= maxRunes {
		return pageText
	}
	runes := []rune(pageText)
	cut := string(runes[:maxRunes])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return strings.TrimSpace(cut[:idx+1])
	}
	return strings.TrimSpace(cut)
}
