package richtext

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ugcOnce   sync.Once
	ugcPolicy *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	ugcOnce.Do(func() {
		ugcPolicy = bluemonday.UGCPolicy()
		ugcPolicy.AllowAttrs("class").Matching(regexp.MustCompile(`^(tag|mention)$`)).OnElements("span")
	})
	return ugcPolicy
}

// PlainText strips anything that looks like markup from the block text. It is
// what gets indexed for search.
func (c Content) PlainText() string {
	return strings.TrimSpace(html.UnescapeString(bluemonday.StrictPolicy().Sanitize(c.Text())))
}

// HTML renders the document for summaries and exports. Mentions and tags are
// wrapped in spans; everything is passed through a UGC sanitizer.
func (c Content) HTML() string {
	var out strings.Builder
	listOpen := ""
	closeList := func() {
		if listOpen != "" {
			fmt.Fprintf(&out, "</%s>\n", listOpen)
			listOpen = ""
		}
	}

	for _, block := range c.Blocks {
		inner := c.renderBlockText(block)
		switch block.Type {
		case "unordered-list-item", "ordered-list-item":
			tag := "ul"
			if block.Type == "ordered-list-item" {
				tag = "ol"
			}
			if listOpen != tag {
				closeList()
				fmt.Fprintf(&out, "<%s>\n", tag)
				listOpen = tag
			}
			fmt.Fprintf(&out, "<li>%s</li>\n", inner)
			continue
		}
		closeList()
		switch block.Type {
		case "header-one":
			fmt.Fprintf(&out, "<h1>%s</h1>\n", inner)
		case "header-two":
			fmt.Fprintf(&out, "<h2>%s</h2>\n", inner)
		case "header-three":
			fmt.Fprintf(&out, "<h3>%s</h3>\n", inner)
		case "blockquote":
			fmt.Fprintf(&out, "<blockquote>%s</blockquote>\n", inner)
		case "code-block":
			fmt.Fprintf(&out, "<pre><code>%s</code></pre>\n", inner)
		default:
			fmt.Fprintf(&out, "<p>%s</p>\n", inner)
		}
	}
	closeList()
	return policy().Sanitize(out.String())
}

func (c Content) renderBlockText(block Block) string {
	units := []rune(block.Text)
	if len(block.EntityRanges) == 0 {
		return html.EscapeString(block.Text)
	}

	// Draft offsets count UTF-16 units; map them back onto runes.
	runeAt := make([]int, 0, len(units)+1)
	for i, r := range units {
		runeAt = append(runeAt, i)
		if r >= 0x10000 {
			runeAt = append(runeAt, i)
		}
	}
	runeAt = append(runeAt, len(units))
	toRune := func(offset int) int {
		if offset < 0 {
			return 0
		}
		if offset >= len(runeAt) {
			return len(units)
		}
		return runeAt[offset]
	}

	ranges := append([]EntityRange(nil), block.EntityRanges...)
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })

	var out strings.Builder
	cursor := 0
	for _, r := range ranges {
		start, end := toRune(r.Offset), toRune(r.Offset+r.Length)
		if start < cursor || end < start {
			continue
		}
		out.WriteString(html.EscapeString(string(units[cursor:start])))
		label := html.EscapeString(string(units[start:end]))
		entity := c.EntityMap[fmt.Sprint(r.Key)]
		switch entity.Type {
		case EntityTag:
			fmt.Fprintf(&out, `<span class="tag">%s</span>`, label)
		case EntityMention:
			fmt.Fprintf(&out, `<span class="mention">%s</span>`, label)
		case EntityLink:
			href, _ := entity.Data["href"].(string)
			fmt.Fprintf(&out, `<a href="%s">%s</a>`, html.EscapeString(href), label)
		default:
			out.WriteString(label)
		}
		cursor = end
	}
	out.WriteString(html.EscapeString(string(units[cursor:])))
	return out.String()
}
