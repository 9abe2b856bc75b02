// Package failurepattern normalizes a task's raw failure_reason string into
// a stable shape so that repeated failures aggregate instead of each one
// looking unique (spec.md §4.5, "Tasks: failure pattern aggregation").
// Grounded on the task failure classification described alongside
// _examples/original_source/server (no direct source file — the original
// does not separate this step — adapted from the persistence idiom of the
// rest of the pack).
package failurepattern

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

var (
	uuidRE      = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	longHexRE   = regexp.MustCompile(`\b[0-9a-f]{16,}\b`)
	requestIDRE = regexp.MustCompile(`request_id=\S+`)
)

// shapeQuery pulls a code/message pair out of a JSON failure body
// regardless of which of several common field names the provider used —
// gojq's optional-field (//) operator lets one query cover
// code/error_code/status and message/msg/error without a rigid struct tag.
var shapeQuery = mustCompile(`{
	code: (.code // .error_code // .status // empty),
	message: (.message // .msg // .error // empty)
}`)

func mustCompile(src string) *gojq.Code {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		panic(err)
	}
	return code
}

// Normalize collapses embedded unique identifiers in reason into stable
// tokens: a JSON body with a code/message shape becomes "CODE: MESSAGE";
// UUIDs, long hex strings, and request_id=... fragments become the literal
// token <ID>.
func Normalize(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return reason
	}

	var parsed any
	if err := json.Unmarshal([]byte(reason), &parsed); err == nil {
		if code, message, ok := extractCodeMessage(parsed); ok {
			return code + ": " + message
		}
	}

	reason = requestIDRE.ReplaceAllString(reason, "request_id=<ID>")
	reason = uuidRE.ReplaceAllString(reason, "<ID>")
	reason = longHexRE.ReplaceAllString(reason, "<ID>")
	return reason
}

func extractCodeMessage(parsed any) (code, message string, ok bool) {
	iter := shapeQuery.Run(parsed)
	for {
		v, hasNext := iter.Next()
		if !hasNext {
			return "", "", false
		}
		if _, isErr := v.(error); isErr {
			continue
		}
		m, isMap := v.(map[string]any)
		if !isMap {
			continue
		}
		c := stringify(m["code"])
		msg := stringify(m["message"])
		if c != "" && msg != "" {
			return c, msg, true
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
