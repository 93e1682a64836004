package campaigns

import (
	"regexp"
	"strings"

	"github.com/bissquit/sms-courier/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Renderer substitutes {{key}} placeholders in a message body with
// recipient attribute values. Keys match attributes case-sensitively;
// placeholders naming no attribute are left verbatim.
type Renderer struct{}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// HasPlaceholders reports whether the template contains at least one
// {{identifier}} token. This decides personalized vs bulk dispatch for
// the whole campaign.
func (r *Renderer) HasPlaceholders(template string) bool {
	return placeholderRe.MatchString(template)
}

// Render replaces every occurrence of each recipient attribute's
// {{key}} token with the attribute value. An attribute that is present
// but empty substitutes the empty string; placeholders with no matching
// attribute survive untouched.
func (r *Renderer) Render(template string, recipient domain.Recipient) string {
	out := template
	for key, val := range recipient.Attrs {
		out = strings.ReplaceAll(out, "{{"+key+"}}", val)
	}
	return out
}

// ExtractVariables returns the distinct placeholder identifiers in the
// template, in order of first appearance. Used for preview diagnostics.
func (r *Renderer) ExtractVariables(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	vars := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		vars = append(vars, m[1])
	}
	return vars
}
