package richtext

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const taskContent = `{
	"blocks": [
		{"key": "a1b2c", "text": "Ship it @Amy @Bob #private", "type": "unstyled", "depth": 0,
		 "inlineStyleRanges": [], "data": {},
		 "entityRanges": [
			{"offset": 8, "length": 4, "key": 0},
			{"offset": 13, "length": 4, "key": 1},
			{"offset": 18, "length": 8, "key": 2}
		 ]}
	],
	"entityMap": {
		"0": {"type": "MENTION", "mutability": "SEGMENTED", "data": {"userId": "user-amy", "name": "Amy"}},
		"1": {"type": "MENTION", "mutability": "SEGMENTED", "data": {"userId": "user-bob", "name": "Bob"}},
		"2": {"type": "TAG", "mutability": "IMMUTABLE", "data": {"value": "private"}}
	}
}`

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not json"); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if _, err := Parse(`{"blocks":[],"entityMap":{}}`); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent for empty doc, got %v", err)
	}
}

func TestTagsAndMentions(t *testing.T) {
	content, err := Parse(taskContent)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := content.Tags(); !reflect.DeepEqual(got, []string{"private"}) {
		t.Fatalf("Tags() = %v", got)
	}
	if got := content.Mentions(); !reflect.DeepEqual(got, []string{"user-amy", "user-bob"}) {
		t.Fatalf("Mentions() = %v", got)
	}
}

func TestWithTagArchivesOnce(t *testing.T) {
	content, err := Parse(taskContent)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	archived := content.WithTag(TagArchived)
	if got := archived.Tags(); !reflect.DeepEqual(got, []string{"archived", "private"}) {
		t.Fatalf("Tags() after archive = %v", got)
	}
	if !strings.HasSuffix(archived.Blocks[0].Text, "#private #archived") {
		t.Fatalf("unexpected block text %q", archived.Blocks[0].Text)
	}
	if len(content.Blocks[0].EntityRanges) != 3 {
		t.Fatal("WithTag mutated the original content")
	}

	again := archived.WithTag("#archived")
	if again.String() != archived.String() {
		t.Fatal("expected archiving twice to be a no-op")
	}

	reparsed, err := Parse(archived.String())
	if err != nil {
		t.Fatalf("Parse() of archived content error = %v", err)
	}
	if len(reparsed.Blocks[0].EntityRanges) != 4 {
		t.Fatalf("expected 4 entity ranges, got %d", len(reparsed.Blocks[0].EntityRanges))
	}
}

func TestFromText(t *testing.T) {
	content := FromText("What did you learn?")
	parsed, err := Parse(content.String())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Text() != "What did you learn?" {
		t.Fatalf("unexpected text %q", parsed.Text())
	}
	if len(parsed.Blocks[0].Key) != 5 {
		t.Fatalf("expected 5 char block key, got %q", parsed.Blocks[0].Key)
	}
}

func TestPlainTextStripsMarkup(t *testing.T) {
	content := FromText(`Fix <script>alert(1)</script>login & signup`)
	if got := content.PlainText(); strings.Contains(got, "<") || !strings.Contains(got, "login & signup") {
		t.Fatalf("PlainText() = %q", got)
	}
}

func TestHTMLRendersEntities(t *testing.T) {
	content, err := Parse(taskContent)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	out := content.HTML()
	if !strings.Contains(out, `<span class="mention">@Amy</span>`) {
		t.Fatalf("expected mention span, got %s", out)
	}
	if !strings.Contains(out, `<span class="tag">#private</span>`) {
		t.Fatalf("expected tag span, got %s", out)
	}
	if !strings.HasPrefix(out, "<p>Ship it ") {
		t.Fatalf("expected paragraph, got %s", out)
	}
}

func TestHTMLEscapesText(t *testing.T) {
	out := FromText(`<img src=x onerror=alert(1)>`).HTML()
	if strings.Contains(out, "<img") {
		t.Fatalf("expected markup to be escaped, got %s", out)
	}
}
