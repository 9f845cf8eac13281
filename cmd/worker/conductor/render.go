package conductor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	contextRef = regexp.MustCompile(`\{\{\s*context(?:\.([^{}]+?))?\s*\}\}`)
	nodeRef    = regexp.MustCompile(`\$nodes\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_.\-]+)`)
)

// renderPrompt substitutes {{context.path}} references with values from
// the run context and $nodes.<id>.<path> references with values from
// earlier node results. A bare {{context}} injects the whole document.
// Unresolved references render as empty strings.
func renderPrompt(tmpl string, contextDoc json.RawMessage, nodeResults map[string]json.RawMessage) string {
	out := contextRef.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := contextRef.FindStringSubmatch(m)
		path := strings.TrimSpace(sub[1])
		if path == "" {
			return string(contextDoc)
		}
		return gjson.GetBytes(contextDoc, path).String()
	})
	return nodeRef.ReplaceAllStringFunc(out, func(m string) string {
		sub := nodeRef.FindStringSubmatch(m)
		doc, ok := nodeResults[sub[1]]
		if !ok {
			return ""
		}
		// A sentence period after the reference is not part of the path.
		path := strings.TrimRight(sub[2], ".")
		return gjson.GetBytes(doc, path).String()
	})
}
