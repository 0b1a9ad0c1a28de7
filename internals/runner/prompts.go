package runner

import (
	"fmt"
	"strings"

	"github.com/jadenj13/droidline/internals/pipeline"
)

type document struct {
	stage pipeline.Stage
	path  string
	body  string
}

const basePrompt = `You are one stage of an automated software-delivery pipeline. Each stage
reads a GitHub issue plus the documents earlier stages wrote for it, and
produces exactly one Markdown document that is committed to the repository.

Rules:
- Respond with the Markdown document only. No preamble, no closing remarks.
- Be concrete. Reference files, functions and commands by name where you can.
- If information is missing, say what is missing instead of inventing it.
`

var stageInstructions = map[pipeline.Stage]string{
	pipeline.StageContextBuilder: `Stage: context builder.
Summarise the issue and collect the context later stages need: the problem,
who is affected, the parts of the codebase likely involved and any links or
constraints mentioned in the issue.`,
	pipeline.StageRefinement: `Stage: refinement.
Turn the issue into a refined work item: a one-paragraph goal, explicit
acceptance criteria as a checklist, and what is out of scope.`,
	pipeline.StageDoR: `Stage: definition of ready.
Check the refined work item against a definition of ready. List every open
question that blocks implementation. If none remain, say so and state that
the item is ready.`,
	pipeline.StageTechLead: `Stage: tech lead.
Write a technical specification: the components to change, data and API
changes, the testing approach and the risks.`,
	pipeline.StageSpecGate: `Stage: spec gate.
Review the technical specification against the acceptance criteria. List
gaps and contradictions, then give a verdict line "Verdict: pass" or
"Verdict: revise".`,
	pipeline.StageDev: `Stage: development plan.
Break the specification into an ordered list of small commits. For each,
name the files touched and the tests added.`,
	pipeline.StageDoD: `Stage: definition of done.
Write the test plan and report: which acceptance criteria are covered by
which tests, and which checks must pass before review.`,
	pipeline.StageCodeReview: `Stage: code review.
Review the planned change against the specification and test report.
List required changes first, then suggestions, then a verdict line
"Verdict: approve" or "Verdict: request changes".`,
	pipeline.StageRelease: `Stage: release.
Write release notes for this change: a user-facing summary, upgrade or
migration steps, and a rollback plan.`,
}

func systemPrompt(stage pipeline.Stage) string {
	return basePrompt + "\n" + stageInstructions[stage]
}

func buildPrompt(item pipeline.WorkItem, stage pipeline.Stage, prior []document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Issue #%d: %s\n", item.Number, item.Title)
	if item.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", item.URL)
	}
	if len(item.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(item.Labels, ", "))
	}
	body := strings.TrimSpace(item.Body)
	if body == "" {
		body = "(no description)"
	}
	fmt.Fprintf(&b, "\n%s\n", body)

	for _, d := range prior {
		fmt.Fprintf(&b, "\n## %s document (%s)\n\n%s\n", d.stage, d.path, strings.TrimSpace(d.body))
	}

	fmt.Fprintf(&b, "\nWrite the %s document for this issue.\n", stage)
	return b.String()
}
