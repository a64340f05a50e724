package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Policy models gateline-policy.yml: the autonomy tiers, forbidden phrases,
// stop-loss trigger classes and the artifact-fetch retry delay. The document
// is re-read on every evaluation so edits take effect on the next cycle
// without a restart.
type Policy struct {
	Version           int      `yaml:"version"`
	RetryDelaySeconds int      `yaml:"retry_delay_seconds"`
	ForbiddenPhrases  []string `yaml:"forbidden_phrases"`
	Tiers             struct {
		AutoExecute    []string `yaml:"auto_execute"`
		AlwaysEscalate []string `yaml:"always_escalate"`
		HumanOnly      []string `yaml:"human_only"`
	} `yaml:"tiers"`
	StopLoss struct {
		TriggerFailures []string `yaml:"trigger_failures"`
	} `yaml:"stop_loss"`
}

// SupportedVersion is the only policy document version this build accepts.
const SupportedVersion = 1

// Path returns the policy file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline-policy.yml")
}

// Load reads and validates the policy from workspace. Callers must treat any
// error as "gate everything": the autonomy gate fails closed.
func Load(workspace string) (*Policy, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a policy document.
func FromYAML(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate ensures the document meets the required structure.
func (p *Policy) Validate() error {
	if p.Version != SupportedVersion {
		return fmt.Errorf("policy version %d not supported (want %d)", p.Version, SupportedVersion)
	}
	if p.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must be >= 0")
	}
	if len(p.Tiers.AutoExecute) == 0 {
		return fmt.Errorf("tiers.auto_execute is required")
	}
	seen := map[string]string{}
	for tier, intents := range map[string][]string{
		"auto_execute":    p.Tiers.AutoExecute,
		"always_escalate": p.Tiers.AlwaysEscalate,
		"human_only":      p.Tiers.HumanOnly,
	} {
		for _, intent := range intents {
			if !domain.KnownIntent(intent) {
				return fmt.Errorf("tier %s references unknown intent %s", tier, intent)
			}
			if prev, dup := seen[intent]; dup {
				return fmt.Errorf("intent %s appears in both %s and %s", intent, prev, tier)
			}
			seen[intent] = tier
		}
	}
	for _, phrase := range p.ForbiddenPhrases {
		if phrase == "" {
			return fmt.Errorf("forbidden_phrases contains empty phrase")
		}
	}
	for _, f := range p.StopLoss.TriggerFailures {
		switch f {
		case "REJECTED", "HARD_BLOCK", "GOVERNANCE_UNRESOLVED", "NO_ARTIFACT":
		default:
			return fmt.Errorf("stop_loss.trigger_failures contains unknown class %s", f)
		}
	}
	return nil
}

// WriteDefault writes the default policy file if none exists.
func WriteDefault(workspace string) error {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}

// Default returns the built-in default policy.
func Default() *Policy {
	p, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default policy invalid: %v", err))
	}
	return p
}

const defaultTemplate = `version: 1

retry_delay_seconds: 2

forbidden_phrases:
  - delete all
  - drop table
  - wire transfer
  - mass email
  - production credentials

tiers:
  auto_execute:
    - RESEARCH_SUMMARY
    - DATA_ANALYSIS
    - CONTENT_DRAFT
    - TASK_TRIAGE
  always_escalate:
    - PRODUCT_OFFER
    - FINANCE_CHANGE
    - EXTERNAL_COMMS
  human_only:
    - INFRA_CHANGE
    - SECURITY_REVIEW

stop_loss:
  trigger_failures:
    - REJECTED
    - HARD_BLOCK
    - GOVERNANCE_UNRESOLVED
    - NO_ARTIFACT
`
