package prompt

import (
	"strings"
	"testing"

	"tinytales/pkg/domain"
)

func TestBuildIllustrationPromptTraitOrder(t *testing.T) {
	character := domain.Character{
		Name:    "Milo",
		Species: "fox",
		Traits:  []string{"curious", "brave", "small"},
	}
	scene := Scene{Location: "a moonlit forest", Action: "chasing fireflies"}

	got := BuildIllustrationPrompt(character, scene)

	want := "Milo the fox, curious, brave, small, chasing fireflies, in a moonlit forest. " + illustrationDirectives
	if got != want {
		t.Fatalf("prompt mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestBuildIllustrationPromptEachTraitOnce(t *testing.T) {
	character := domain.Character{
		Name:    "Pip",
		Species: "mouse",
		Traits:  []string{"shy", "clever"},
	}
	got := BuildIllustrationPrompt(character, Scene{Location: "a kitchen"})

	for _, trait := range character.Traits {
		if strings.Count(got, trait) != 1 {
			t.Fatalf("trait %q should appear exactly once in %q", trait, got)
		}
	}
	if !strings.HasSuffix(got, illustrationDirectives) {
		t.Fatalf("prompt should end with the style directives, got %q", got)
	}
}

func TestBuildIllustrationPromptEmptyTraits(t *testing.T) {
	character := domain.Character{Name: "Luna", Species: "owl"}
	got := BuildIllustrationPrompt(character, Scene{Location: "an old oak"})

	want := "Luna the owl, in an old oak. " + illustrationDirectives
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if strings.Contains(got, ", ,") || strings.Contains(got, ",,") {
		t.Fatalf("empty trait list must not leave stray separators: %q", got)
	}
}

func TestSanitizeForModelStripsMetaBlock(t *testing.T) {
	input := "---\ntitle: draft\nauthor: someone\n---\nOnce upon a time.   \n\n\n\nThe end.\n"
	got := SanitizeForModel(input)

	want := "Once upon a time.\n\nThe end."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSanitizeForModelStripsConsecutiveMetaBlocks(t *testing.T) {
	input := "---\na: 1\n---\n---\nb: 2\n---\nOnce upon a time."
	got := SanitizeForModel(input)
	if got != "Once upon a time." {
		t.Fatalf("got %q, want %q", got, "Once upon a time.")
	}
}

func TestSanitizeForModelIdempotent(t *testing.T) {
	inputs := []string{
		"---\nmeta: x\n---\nA tale begins.\n\n\nIt continues.",
		"---\na: 1\n---\n---\nb: 2\n---\nStacked metadata.",
		"Plain text with no metadata.",
		"  \n\nLeading blanks.\n",
	}
	for _, input := range inputs {
		once := SanitizeForModel(input)
		twice := SanitizeForModel(once)
		if once != twice {
			t.Fatalf("sanitize not idempotent for %q: first %q, second %q", input, once, twice)
		}
	}
}

func TestBuildPagePromptFeedsForwardSummaries(t *testing.T) {
	params := StoryParams{Theme: "space picnic", Language: "en", ReaderAge: 5, PageCount: 3}
	profile := domain.ChildProfile{Name: "Ada", Age: 5, Interests: []string{"rockets"}}

	ctx := &PageContext{}
	ctx.Add("Ada packed sandwiches for the moon.")

	got := BuildPagePrompt(params, profile, nil, 2, ctx)

	if !strings.Contains(got, "The story so far:") {
		t.Fatalf("expected prior-page section in %q", got)
	}
	if !strings.Contains(got, "Page 1: Ada packed sandwiches for the moon.") {
		t.Fatalf("expected page 1 summary in %q", got)
	}
	if !strings.Contains(got, "Ada loves rockets.") {
		t.Fatalf("expected interests in %q", got)
	}
	if !strings.Contains(got, "Continue the story") {
		t.Fatalf("middle page should ask for continuation: %q", got)
	}
}

func TestBuildPagePromptFirstAndFinalDirectives(t *testing.T) {
	params := StoryParams{Theme: "lost mitten", Language: "en", ReaderAge: 4, PageCount: 2}

	first := BuildPagePrompt(params, domain.ChildProfile{}, nil, 1, &PageContext{})
	if !strings.Contains(first, "Open the story") {
		t.Fatalf("page 1 should open the story: %q", first)
	}
	if strings.Contains(first, "The story so far:") {
		t.Fatalf("page 1 must not carry prior context: %q", first)
	}

	last := BuildPagePrompt(params, domain.ChildProfile{}, nil, 2, &PageContext{})
	if !strings.Contains(last, "final page") {
		t.Fatalf("last page should close the story: %q", last)
	}
}

func TestSummarizeCutsAtSentence(t *testing.T) {
	text := "The boat sailed. The wind grew stronger and the gulls followed close behind all afternoon."
	got := Summarize(text, 40)
	if got != "The boat sailed." {
		t.Fatalf("got %q", got)
	}

	short := "Tiny."
	if Summarize(short, 40) != short {
		t.Fatalf("short text should pass through unchanged")
	}
}
