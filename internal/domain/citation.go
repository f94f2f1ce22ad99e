package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Citation is an inline entity reference of the form type:id:display-name.
// In model text it appears wrapped in double brackets.
type Citation struct {
	Type string
	ID   string
	Name string
}

func (c Citation) String() string {
	return fmt.Sprintf("%s:%s:%s", c.Type, c.ID, c.Name)
}

// FormatCitation renders an inline citation for an entity.
func FormatCitation(entityType, id, name string) string {
	name = strings.NewReplacer("[", "(", "]", ")", "\n", " ").Replace(name)
	return "[[" + Citation{Type: entityType, ID: id, Name: name}.String() + "]]"
}

var citationRe = regexp.MustCompile(`\[\[([a-z_]+):([^:\]\s]+):([^\]]+)\]\]`)

// ParseCitations extracts citations from text in order of appearance.
func ParseCitations(text string) []Citation {
	matches := citationRe.FindAllStringSubmatch(text, -1)
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		out = append(out, Citation{Type: m[1], ID: m[2], Name: m[3]})
	}
	return out
}
