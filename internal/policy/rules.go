package policy

import (
	"sort"
	"strings"
)

// Rule is the registry entry behind a rule name: its default severity,
// its message template (%s receives the violation detail), and the
// markdown shown by explain.
type Rule struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Doc      string   `json:"doc,omitempty"`
	Custom   bool     `json:"custom,omitempty"`
}

// Format renders the rule message for a violation detail.
func (r Rule) Format(detail string) string {
	if strings.Contains(r.Message, "%s") {
		return strings.ReplaceAll(r.Message, "%s", detail)
	}
	return r.Message
}

var builtinRules = map[string]Rule{
	"unpinned-action": {
		Severity: SeverityError,
		Message:  "action %s is not pinned to a commit SHA",
		Doc: `Mutable refs (tags, branches) can be repointed after review, so the
code a workflow runs can change without any change to the workflow.
Pin third-party actions to a full commit SHA and record the release in
a trailing comment:

    uses: actions/checkout@08c6903cd8c0fde910a37f88322edcfb5dd907a8 # v5.0.0`,
	},
	"unpinned-docker": {
		Severity: SeverityError,
		Message:  "docker image %s is not pinned by digest",
		Doc: `Docker tags are mutable. Address container actions by digest:

    uses: docker://alpine@sha256:…`,
	},
	"missing-version-comment": {
		Severity: SeverityWarning,
		Message:  "pinned action %s has no version comment",
		Doc: `A bare SHA is unreadable in review and during upgrades. Convention is
a trailing comment naming the release the SHA corresponds to:

    uses: akaihola/darker@e54bb642b892bdec8e7e7e0e5f3ea4c4c80dfa62 # v2.1.1`,
	},
	"missing-permissions": {
		Severity: SeverityError,
		Message:  "workflow does not declare permissions",
		Doc: `Without an explicit permissions block the workflow token inherits the
repository default, which is often write-capable. Declare the least
privilege the workflow needs; a lint workflow usually needs only:

    permissions:
      contents: read`,
	},
	"broad-permissions": {
		Severity: SeverityError,
		Message:  "overly broad permission grant: %s",
		Doc: `Write grants at the workflow level leak into every job and step,
including third-party actions. Grant write scopes per job, and only
where something actually pushes.`,
	},
	"no-trigger": {
		Severity: SeverityError,
		Message:  "workflow %s has no trigger events",
		Doc:      `A workflow with an empty "on" block can never fire.`,
	},
	"unknown-event": {
		Severity: SeverityWarning,
		Message:  "unknown trigger event %s",
		Doc: `The event name does not match any known trigger. Typos here make a
workflow silently dead.`,
	},
	"missing-harden-runner": {
		Severity: SeverityWarning,
		Message:  "job %s does not start with the runner hardening action",
		Doc: `Hardening the runner first means every later step executes under the
egress policy. Put the hardening action at index zero:

    steps:
      - uses: step-security/harden-runner@… # vX
        with:
          egress-policy: audit`,
	},
	"harden-runner-not-first": {
		Severity: SeverityWarning,
		Message:  "hardening action %s must be the first step",
		Doc: `Steps that run before the hardening action execute without its egress
policy. Move it to the top of the job.`,
	},
	"missing-timeout": {
		Severity: SeverityWarning,
		Message:  "job %s has no timeout-minutes",
		Doc: `Jobs without a timeout hang runners on stuck tools. Lint jobs finish
in minutes; declare that:

    timeout-minutes: 10`,
	},
	"unknown-needs": {
		Severity: SeverityError,
		Message:  "job depends on undefined job %s",
		Doc:      `Every entry in "needs" must name a job defined in this workflow.`,
	},
	"duplicate-needs": {
		Severity: SeverityError,
		Message:  "job lists %s in needs more than once",
		Doc:      `Repeated "needs" entries are rejected by the workflow parser on GitHub.`,
	},

	// Structural checks that run outside the datalog engine.
	"invalid-workflow": {
		Severity: SeverityError,
		Message:  "%s",
		Doc:      `The file failed to parse as a workflow document.`,
	},
	"no-jobs": {
		Severity: SeverityError,
		Message:  "workflow defines no jobs",
		Doc:      `A workflow needs at least one job to do anything.`,
	},
	"empty-job": {
		Severity: SeverityError,
		Message:  "job %s has no steps",
		Doc:      `A job with no steps fails at run time.`,
	},
	"invalid-step": {
		Severity: SeverityError,
		Message:  "%s",
		Doc:      `A step must have exactly one of "uses" and "run".`,
	},
	"needs-cycle": {
		Severity: SeverityError,
		Message:  "job dependency cycle: %s",
		Doc:      `"needs" edges must form a DAG; a cycle means no job can ever start.`,
	},
	"conflicting-filters": {
		Severity: SeverityError,
		Message:  "trigger %s sets both branches and branches-ignore",
		Doc: `branches and branches-ignore are mutually exclusive on one trigger.
Use one of them, with "!" negation patterns for carve-outs.`,
	},
	"plugin-error": {
		Severity: SeverityWarning,
		Message:  "%s",
		Doc:      `A custom rule plugin failed to load or run. Plugin failures never abort linting.`,
	},
}

// RuleFor resolves a rule name to its registry entry. Unknown names
// (custom .mg or plugin rules) default to warnings that echo the detail.
func RuleFor(name string) Rule {
	if r, ok := builtinRules[name]; ok {
		r.Name = name
		return r
	}
	return Rule{Name: name, Severity: SeverityWarning, Message: "%s", Custom: true}
}

// Rules returns the builtin registry sorted by name.
func Rules() []Rule {
	out := make([]Rule, 0, len(builtinRules))
	for name, r := range builtinRules {
		r.Name = name
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
