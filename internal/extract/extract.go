// Package extract recovers structured recipe entries from completed assistant
// replies.
//
// A reply is a tagged recipe message when it holds a matched
// <recipe_suggestions> ... </recipe_suggestions> pair. Entries start at a bold
// heading line such as "**1. 番茄炒蛋**" and collect the labeled lines that
// follow it ("难度：简单", "- **Tools:** wok").
package extract

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	OpenMarker  = "<recipe_suggestions>"
	CloseMarker = "</recipe_suggestions>"
)

// Kind classifies a message body
type Kind int

const (
	KindPlain Kind = iota
	KindTaggedRecipe
)

func (k Kind) String() string {
	if k == KindTaggedRecipe {
		return "tagged_recipe"
	}
	return "plain"
}

// Entry is one recipe recovered from a reply. Missing labels stay empty.
type Entry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Servings   string `json:"servings,omitempty"`
	Tools      string `json:"tools,omitempty"`
	Cost       string `json:"cost,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Features   string `json:"features,omitempty"`
}

// Document is a body split around the first marker pair
type Document struct {
	Before     string
	Tagged     string
	After      string
	HasSection bool
	Entries    []Entry
}

type field int

const (
	fieldServings field = iota
	fieldTools
	fieldCost
	fieldDifficulty
	fieldFeatures
)

var labels = map[string]field{
	"适用人数":       fieldServings,
	"servings":   fieldServings,
	"关键厨具":       fieldTools,
	"tools":      fieldTools,
	"大概花费":       fieldCost,
	"cost":       fieldCost,
	"难度":         fieldDifficulty,
	"difficulty": fieldDifficulty,
	"特点":         fieldFeatures,
	"features":   fieldFeatures,
}

// Classify reports whether body carries a tagged recipe section
func Classify(body string) Kind {
	if _, _, _, ok := split(body); ok {
		return KindTaggedRecipe
	}
	return KindPlain
}

// Parse splits body and extracts its entries. Entries come from the tagged
// section; when that yields nothing the untagged text is scanned instead.
func Parse(body string) Document {
	before, tagged, after, ok := split(body)
	if !ok {
		return Document{Before: body, Entries: scan(body)}
	}

	doc := Document{Before: before, Tagged: tagged, After: after, HasSection: true}
	doc.Entries = scan(tagged)
	if len(doc.Entries) == 0 {
		doc.Entries = scan(before + "\n" + after)
	}
	return doc
}

// Extract returns the recipe entries in body, or an empty list
func Extract(body string) []Entry {
	return Parse(body).Entries
}

// Render writes entries back out as a tagged section that Extract reads
// unchanged.
func Render(entries []Entry) string {
	var sb strings.Builder
	sb.WriteString(OpenMarker)
	sb.WriteString("\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "**%d. %s**\n", i+1, e.Name)
		writeLabel(&sb, "适用人数", e.Servings)
		writeLabel(&sb, "关键厨具", e.Tools)
		writeLabel(&sb, "大概花费", e.Cost)
		writeLabel(&sb, "难度", e.Difficulty)
		writeLabel(&sb, "特点", e.Features)
		sb.WriteString("\n")
	}
	sb.WriteString(CloseMarker)
	sb.WriteString("\n")
	return sb.String()
}

func writeLabel(sb *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(sb, "%s：%s\n", label, value)
	}
}

func split(body string) (before, tagged, after string, ok bool) {
	open := strings.Index(body, OpenMarker)
	if open < 0 {
		return "", "", "", false
	}
	rest := body[open+len(OpenMarker):]
	end := strings.Index(rest, CloseMarker)
	if end < 0 {
		return "", "", "", false
	}
	return body[:open], rest[:end], rest[end+len(CloseMarker):], true
}

type state int

const (
	seekingHeading state = iota
	inEntry
)

// scan runs the heading/label state machine over text
func scan(text string) []Entry {
	entries := []Entry{}
	st := seekingHeading
	var cur *Entry

	flush := func() {
		if cur != nil {
			cur.ID = fmt.Sprintf("recipe-%d", len(entries)+1)
			entries = append(entries, *cur)
			cur = nil
		}
	}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))

		switch st {
		case seekingHeading:
			if name, ok := parseHeading(line); ok {
				cur = &Entry{Name: name}
				st = inEntry
			}

		case inEntry:
			if line == "" {
				continue
			}
			if f, value, ok := parseLabel(line); ok {
				cur.set(f, value)
				continue
			}
			flush()
			st = seekingHeading
			if name, ok := parseHeading(line); ok {
				cur = &Entry{Name: name}
				st = inEntry
			}
		}
	}
	flush()
	return entries
}

func (e *Entry) set(f field, value string) {
	var dst *string
	switch f {
	case fieldServings:
		dst = &e.Servings
	case fieldTools:
		dst = &e.Tools
	case fieldCost:
		dst = &e.Cost
	case fieldDifficulty:
		dst = &e.Difficulty
	case fieldFeatures:
		dst = &e.Features
	}
	// first occurrence wins
	if *dst == "" {
		*dst = value
	}
}

// parseHeading matches "**[<ordinal>.] <name>**"
func parseHeading(line string) (string, bool) {
	if len(line) <= 4 || !strings.HasPrefix(line, "**") || !strings.HasSuffix(line, "**") {
		return "", false
	}
	inner := strings.TrimSpace(line[2 : len(line)-2])
	if inner == "" || strings.Contains(inner, "**") {
		return "", false
	}
	if _, _, ok := parseLabel(inner); ok {
		return "", false
	}

	name := stripOrdinal(inner)
	if name == "" {
		return "", false
	}
	return name, true
}

func stripOrdinal(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return s
	}
	rest := s[i:]
	for _, sep := range []string{".", "、", "．", ")"} {
		if strings.HasPrefix(rest, sep) {
			return strings.TrimSpace(rest[len(sep):])
		}
	}
	// digits without a separator are part of the name
	return s
}

// parseLabel matches "label：value" with optional bullet and bold markers
func parseLabel(line string) (field, string, bool) {
	line = strings.TrimLeftFunc(strings.TrimLeft(line, "-•"), unicode.IsSpace)
	if strings.HasPrefix(line, "* ") {
		line = strings.TrimSpace(line[2:])
	}

	idx, width := separator(line)
	if idx < 0 {
		return 0, "", false
	}

	label := strings.ToLower(strings.TrimSpace(strings.Trim(line[:idx], "* ")))
	f, ok := labels[label]
	if !ok {
		return 0, "", false
	}
	value := strings.TrimSpace(strings.Trim(strings.TrimSpace(line[idx+width:]), "*"))
	return f, value, true
}

func separator(line string) (int, int) {
	full := strings.Index(line, "：")
	half := strings.Index(line, ":")
	switch {
	case full < 0 && half < 0:
		return -1, 0
	case half < 0 || (full >= 0 && full < half):
		return full, len("：")
	default:
		return half, 1
	}
}
