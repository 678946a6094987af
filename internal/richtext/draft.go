// Package richtext reads and edits task content stored as Draft.js raw JSON.
package richtext

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"parabol/api/internal/util"
)

const (
	EntityTag     = "TAG"
	EntityMention = "MENTION"
	EntityLink    = "LINK"

	TagArchived = "archived"
	TagPrivate  = "private"
)

var ErrInvalidContent = errors.New("content is not valid draft-js JSON")

type Content struct {
	Blocks    []Block           `json:"blocks"`
	EntityMap map[string]Entity `json:"entityMap"`
}

type Block struct {
	Key               string         `json:"key"`
	Text              string         `json:"text"`
	Type              string         `json:"type"`
	Depth             int            `json:"depth"`
	InlineStyleRanges []StyleRange   `json:"inlineStyleRanges"`
	EntityRanges      []EntityRange  `json:"entityRanges"`
	Data              map[string]any `json:"data"`
}

type StyleRange struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Style  string `json:"style"`
}

type EntityRange struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
	Key    int `json:"key"`
}

type Entity struct {
	Type       string         `json:"type"`
	Mutability string         `json:"mutability"`
	Data       map[string]any `json:"data"`
}

// Parse decodes raw content. A document needs at least one block.
func Parse(raw string) (Content, error) {
	var content Content
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if len(content.Blocks) == 0 {
		return Content{}, fmt.Errorf("%w: no blocks", ErrInvalidContent)
	}
	if content.EntityMap == nil {
		content.EntityMap = map[string]Entity{}
	}
	return content, nil
}

// FromText builds a single-paragraph document.
func FromText(text string) Content {
	return Content{
		Blocks: []Block{{
			Key:               blockKey(),
			Text:              text,
			Type:              "unstyled",
			InlineStyleRanges: []StyleRange{},
			EntityRanges:      []EntityRange{},
			Data:              map[string]any{},
		}},
		EntityMap: map[string]Entity{},
	}
}

func (c Content) String() string {
	encoded, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// Tags returns the distinct tag values in the entity map, sorted.
func (c Content) Tags() []string {
	seen := map[string]struct{}{}
	for _, key := range c.entityKeys() {
		entity := c.EntityMap[key]
		if entity.Type != EntityTag {
			continue
		}
		value, _ := entity.Data["value"].(string)
		value = strings.TrimPrefix(strings.TrimSpace(value), "#")
		if value != "" {
			seen[value] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Mentions returns mentioned user ids in entity-key order, without duplicates.
func (c Content) Mentions() []string {
	seen := map[string]struct{}{}
	var userIDs []string
	for _, key := range c.entityKeys() {
		entity := c.EntityMap[key]
		if entity.Type != EntityMention {
			continue
		}
		userID, _ := entity.Data["userId"].(string)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// Text joins block text with newlines, without any markup.
func (c Content) Text() string {
	lines := make([]string, 0, len(c.Blocks))
	for _, block := range c.Blocks {
		lines = append(lines, block.Text)
	}
	return strings.Join(lines, "\n")
}

// WithTag appends "#tag" to the last block and registers the tag entity. The
// content is returned unchanged when the tag is already present.
func (c Content) WithTag(tag string) Content {
	tag = strings.TrimPrefix(tag, "#")
	for _, existing := range c.Tags() {
		if existing == tag {
			return c
		}
	}

	next := Content{
		Blocks:    make([]Block, len(c.Blocks)),
		EntityMap: make(map[string]Entity, len(c.EntityMap)+1),
	}
	copy(next.Blocks, c.Blocks)
	maxKey := -1
	for key, entity := range c.EntityMap {
		next.EntityMap[key] = entity
		if n, err := strconv.Atoi(key); err == nil && n > maxKey {
			maxKey = n
		}
	}
	entityKey := maxKey + 1
	next.EntityMap[strconv.Itoa(entityKey)] = Entity{
		Type:       EntityTag,
		Mutability: "IMMUTABLE",
		Data:       map[string]any{"value": tag},
	}

	last := next.Blocks[len(next.Blocks)-1]
	prefix := last.Text
	if prefix != "" && !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	label := "#" + tag
	last.EntityRanges = append(append([]EntityRange(nil), last.EntityRanges...), EntityRange{
		// offsets are UTF-16 code units, as Draft.js counts them
		Offset: len(utf16.Encode([]rune(prefix))),
		Length: len(utf16.Encode([]rune(label))),
		Key:    entityKey,
	})
	last.Text = prefix + label
	next.Blocks[len(next.Blocks)-1] = last
	return next
}

func (c Content) entityKeys() []string {
	keys := make([]string, 0, len(c.EntityMap))
	for key := range c.EntityMap {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

func blockKey() string {
	id := util.ShortID()
	return id[len(id)-5:]
}
