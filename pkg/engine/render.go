package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	placeholderStart = "{{"
	placeholderEnd   = "}}"
)

// Render substitutes {{name}} placeholders in content with parameter values.
// Whitespace inside the braces is ignored. A placeholder without a matching
// parameter fails with ErrTemplateRendering; nothing is left blank.
func Render(content string, params map[string]any) (string, error) {
	tmpl, err := fasttemplate.NewTemplate(content, placeholderStart, placeholderEnd)
	if err != nil {
		return "", renderError("malformed template", err)
	}

	out, err := tmpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		v, ok := params[name]
		if !ok {
			return 0, fmt.Errorf("no value for placeholder %q", name)
		}
		s, err := formatParam(v)
		if err != nil {
			return 0, fmt.Errorf("placeholder %q: %w", name, err)
		}
		return io.WriteString(w, s)
	})
	if err != nil {
		return "", renderError("failed to render template", err)
	}
	return out, nil
}

func renderError(msg string, err error) *EngineError {
	return NewPermanentError(msg, err).
		WithCode(ErrCodeTemplateRendering).
		WithOperation("render")
}

// formatParam renders one parameter value as shell-ready text. Scalars are
// printed as-is; lists and objects become JSON.
func formatParam(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int, int64, int32, uint, uint64, json.Number:
		return fmt.Sprint(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// isScalar reports whether v can be passed as a key=value pair.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, int32, uint, uint64, json.Number:
		return true
	default:
		return false
	}
}
