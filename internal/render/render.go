// Package render personalizes campaign templates and instruments them for open and click tracking.
package render

import (
	"regexp"
	"strings"

	"github.com/jmehdipour/campaign-mailer/internal/model"
)

var (
	conditionalRe = regexp.MustCompile(`\{\{#if\s+(\w+)\s*\}\}([\s\S]*?)(?:\{\{else\}\}([\s\S]*?))?\{\{/if\}\}`)
	placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
)

// Render resolves {{#if key}}...{{else}}...{{/if}} blocks, then substitutes {{key}} placeholders.
// A key is truthy when its value is non-empty. Placeholders with no matching key are left as written.
func Render(tpl string, fields map[string]string) string {
	out := conditionalRe.ReplaceAllStringFunc(tpl, func(block string) string {
		m := conditionalRe.FindStringSubmatch(block)
		if fields[m[1]] != "" {
			return m[2]
		}
		return m[3]
	})

	return placeholderRe.ReplaceAllStringFunc(out, func(ph string) string {
		key := placeholderRe.FindStringSubmatch(ph)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		return ph
	})
}

// RecipientFields is the substitution map for one recipient.
func RecipientFields(r model.Recipient) map[string]string {
	return map[string]string{
		"FirstName": r.FirstName,
		"LastName":  r.LastName,
		"Email":     r.Email,
		"Company":   r.Company,
		"JobTitle":  r.JobTitle,
	}
}

// Placeholders lists the distinct placeholder keys used by tpl, in order of first use.
func Placeholders(tpl string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}

func trimBase(baseURL string) string {
	return strings.TrimRight(baseURL, "/")
}
