package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and dry-run a policy file",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Parse and validate a policy file without evaluating anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var (
	policyTestPrompt     string
	policyTestType       string
	policyTestConfidence string
	policyTestExplain    bool
)

var policyTestCmd = &cobra.Command{
	Use:   "test <path>",
	Short: "Evaluate a policy file against a synthetic prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyTest,
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyTestCmd)

	policyTestCmd.Flags().StringVar(&policyTestPrompt, "prompt", "", "Excerpt text to evaluate (required)")
	policyTestCmd.Flags().StringVar(&policyTestType, "type", string(atlastypes.PromptYesNo), "Prompt type (yes_no|confirm_enter|multiple_choice|free_text|unknown)")
	policyTestCmd.Flags().StringVar(&policyTestConfidence, "confidence", string(atlastypes.ConfidenceHigh), "Detector confidence (low|medium|high)")
	policyTestCmd.Flags().BoolVar(&policyTestExplain, "explain", false, "Print the rule-match trail alongside the decision")
	_ = policyTestCmd.MarkFlagRequired("prompt")
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return withExitCode(ExitConfiguration, err)
	}
	if flagJSON {
		return printJSON(map[string]interface{}{
			"valid":        true,
			"content_hash": p.ContentHash,
			"rule_count":   len(p.Document.Rules),
			"autonomy_mode": p.Document.AutonomyMode,
		})
	}
	fmt.Printf("ok: %d rule(s), autonomy_mode=%s, content_hash=%s\n", len(p.Document.Rules), p.Document.AutonomyMode, p.ContentHash)
	return nil
}

func runPolicyTest(cmd *cobra.Command, args []string) error {
	p, err := policy.Load(args[0])
	if err != nil {
		return withExitCode(ExitConfiguration, err)
	}
	engine := policy.NewEngine(p)

	decision := engine.Evaluate(policy.EvalInput{
		Prompt: atlastypes.PromptEvent{
			Type:       atlastypes.PromptType(policyTestType),
			Confidence: atlastypes.Confidence(policyTestConfidence),
			Excerpt:    policyTestPrompt,
		},
	})

	if flagJSON {
		out := map[string]interface{}{
			"kind":            decision.Kind,
			"value":           decision.Value,
			"matched_rule_id": decision.MatchedRuleID,
			"idempotency_key": decision.IdempotencyKey,
		}
		if policyTestExplain {
			out["explanation"] = decision.Explanation
		}
		return printJSON(out)
	}

	fmt.Printf("decision: %s\n", decision.Kind)
	if decision.Value != "" {
		fmt.Printf("value: %q\n", decision.Value)
	}
	if decision.MatchedRuleID != "" {
		fmt.Printf("matched_rule_id: %s\n", decision.MatchedRuleID)
	}
	if policyTestExplain {
		for _, line := range decision.Explanation {
			fmt.Printf("  - %s\n", line)
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return withExitCode(ExitGeneralError, err)
	}
	fmt.Println(string(enc))
	return nil
}
