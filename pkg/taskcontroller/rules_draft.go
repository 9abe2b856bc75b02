package taskcontroller

import (
	"context"
	"fmt"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
)

const ruleDraftSystemPrompt = "A SaaS integration has repeatedly failed in the same way. Draft a short addition " +
	"(2-4 sentences, markdown) to that SaaS's rule document to prevent the same failure in future plans. " +
	"Do not restate the failure verbatim; state the rule it implies."

// draftRuleAddition asks the high-quality profile for a short rule-document
// addition given only the SaaS name, failure category, and normalized
// reason — never the originating task's description or any SaaS response
// body (spec.md §4.7: "No data from the task body leaves this drafting
// step").
func (c *Controller) draftRuleAddition(ctx context.Context, saasName string, pattern persistence.FailurePattern) (string, error) {
	userPrompt := fmt.Sprintf("SaaS: %s\nFailure category: %s\nNormalized reason (occurred %d times): %s",
		saasName, pattern.Category, pattern.Count, pattern.NormalizedReason)

	resp, err := c.llmRouter.Invoke(ctx, llm.ProfileHighQuality, []llm.Message{
		{Role: "system", Content: ruleDraftSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "draft rule addition failed")
	}
	return resp.Content, nil
}
