package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// ActionData is the data model visible to notify action templates.
// Params: rule identity, trigger counts, window, and operator-defined vars.
// Returns: template input for one dispatch.
type ActionData struct {
	Rule          string
	Keyword       string
	SourceChannel string
	Threshold     int
	Count         int
	Window        time.Duration
	Vars          map[string]string
}

// FuncMap returns shared action template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
		"upper":       strings.ToUpper,
		"lower":       strings.ToLower,
	}
}

// ParseActionTemplate parses one action text with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseActionTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// Render executes compiled template against action data.
// Params: compiled template and data.
// Returns: rendered text or execution error.
func Render(tmpl *template.Template, data ActionData) (string, error) {
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
