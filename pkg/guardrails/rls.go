package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// rlsPolicy decides, per table, whether the RLS facts extracted from a SQL
// artifact are sufficient: either ENABLE ROW LEVEL SECURITY plus a FOR ALL
// policy, or ENABLE ROW LEVEL SECURITY plus SELECT, INSERT, and UPDATE
// policies individually (spec.md §4.3.4).
const rlsPolicy = `
package guardrails.rls

default allow = false

allow if {
	input.rls_enabled
	input.has_all_policy
}

allow if {
	input.rls_enabled
	input.has_select_policy
	input.has_insert_policy
	input.has_update_policy
}
`

var (
	createTableRE = regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)\s*\((.*?)\);`)
	tenantColRE   = regexp.MustCompile(`(?i)\btenant_id\b`)
)

func tenantPolicyRE(table, op string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?is)CREATE\s+POLICY\s+\S+\s+ON\s+%s\s+.*?FOR\s+%s`, regexp.QuoteMeta(table), op))
}

func rlsEnabledRE(table string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)ALTER\s+TABLE\s+%s\s+ENABLE\s+ROW\s+LEVEL\s+SECURITY`, regexp.QuoteMeta(table)))
}

// RunRLSCheck validates every CREATE TABLE in the SQL-suffixed artifacts:
// tables declaring a tenant_id column must enable row-level security and
// carry a policy covering both read and write. Non-SQL artifact sets, and
// tables without a tenant_id column, are exempt.
func RunRLSCheck(ctx context.Context, artifacts Artifacts) (Result, error) {
	var findings []string

	for path, content := range artifacts {
		if !strings.HasSuffix(path, ".sql") {
			continue
		}
		sql := string(content)
		for _, m := range createTableRE.FindAllStringSubmatch(sql, -1) {
			table, body := m[1], m[2]
			if !tenantColRE.MatchString(body) {
				continue
			}

			input := map[string]any{
				"rls_enabled":       rlsEnabledRE(table).MatchString(sql),
				"has_all_policy":    tenantPolicyRE(table, "ALL").MatchString(sql),
				"has_select_policy": tenantPolicyRE(table, "SELECT").MatchString(sql),
				"has_insert_policy": tenantPolicyRE(table, "INSERT").MatchString(sql),
				"has_update_policy": tenantPolicyRE(table, "UPDATE").MatchString(sql),
			}

			allowed, err := evalRLSAllow(ctx, input)
			if err != nil {
				return Result{}, err
			}
			if !allowed {
				findings = append(findings, fmt.Sprintf("[%s] table %q declares tenant_id without a complete row-level security policy", path, table))
			}
		}
	}

	return Result{Passed: len(findings) == 0, Findings: findings}, nil
}

func evalRLSAllow(ctx context.Context, input map[string]any) (bool, error) {
	query, err := rego.New(
		rego.Query("data.guardrails.rls.allow"),
		rego.Module("rls.rego", rlsPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return false, err
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}
