package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vgomini/internal/compiler"
	"github.com/roach88/vgomini/internal/policy"
)

// Scenario is a settlement run described in YAML: the events to ingest, the
// policy to apply and what the pipeline must produce.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Window string `yaml:"window"`
	Tenant string `yaml:"tenant,omitempty"`

	// Partitions overrides the ingress partition count.
	Partitions int `yaml:"partitions,omitempty"`

	// ExpectedPartitions must all report before the window closes.
	ExpectedPartitions []int `yaml:"expected_partitions,omitempty"`

	// Force stages the window even when it is still open.
	Force bool `yaml:"force,omitempty"`

	// Runs is how many times the full pipeline is executed. Zero means once.
	Runs int `yaml:"runs,omitempty"`

	// Policy is an inline policy document. PolicyFile names one instead,
	// relative to the scenario file. Exactly one must be set.
	Policy     *InlinePolicy `yaml:"policy,omitempty"`
	PolicyFile string        `yaml:"policy_file,omitempty"`

	// Events are ingested in order before the first run.
	Events []EventStep `yaml:"events"`

	Expect Expectation `yaml:"expect"`

	// Assertions validate the transcript.
	// Supported types: transcript_contains, transcript_order, transcript_count
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is the directory of the scenario file, for PolicyFile.
	dir string
}

// InlinePolicy keeps an inline policy document as a YAML node. Its keys are
// checked by the policy schema, not by the scenario decoder.
type InlinePolicy struct {
	node yaml.Node
}

// UnmarshalYAML captures the node as-is.
func (p *InlinePolicy) UnmarshalYAML(value *yaml.Node) error {
	p.node = *value
	return nil
}

// EventStep submits either one event or one NDJSON batch.
type EventStep struct {
	// Key is the idempotency key (the batch key for a batch).
	Key string `yaml:"key,omitempty"`

	// Event is a raw JSON event, passed to ingestion untouched.
	Event string `yaml:"event,omitempty"`

	// Batch is newline-delimited JSON.
	Batch string `yaml:"batch,omitempty"`
}

// Expectation is checked after the last run.
type Expectation struct {
	// Error is the reason code that must stop the pipeline. Empty means the
	// pipeline must seal.
	Error string `yaml:"error,omitempty"`

	// Rejected lists the ingestion reason codes in submission order.
	Rejected []string `yaml:"rejected,omitempty"`

	// FinalRows maps principal to final_minor; every row must be listed.
	FinalRows map[string]int64 `yaml:"final_rows,omitempty"`

	TargetTotalMinor *int64 `yaml:"target_total_minor,omitempty"`
	SealHash         string `yaml:"seal_hash,omitempty"`

	// Decisions maps principal to ALLOW or HOLD; unlisted principals are
	// not checked.
	Decisions map[string]string `yaml:"decisions,omitempty"`
}

// Assertion validates the transcript.
type Assertion struct {
	// Type specifies the assertion type:
	// - "transcript_contains": a note with code (and principal/detail) exists
	// - "transcript_order": codes appear in order
	// - "transcript_count": code appears exactly Count times
	Type string `yaml:"type"`

	// Stream restricts the assertion to one transcript stream.
	Stream string `yaml:"stream,omitempty"`

	// Code is the reason code (transcript_contains, transcript_count).
	Code string `yaml:"code,omitempty"`

	Principal string `yaml:"principal,omitempty"`

	// Detail is a subset match on the note detail (transcript_contains).
	Detail map[string]string `yaml:"detail,omitempty"`

	// Count is the expected number of occurrences (transcript_count).
	Count int `yaml:"count,omitempty"`

	// Codes is the expected order (transcript_order).
	Codes []string `yaml:"codes,omitempty"`
}

// Assertion type constants.
const (
	AssertTranscriptContains = "transcript_contains"
	AssertTranscriptOrder    = "transcript_order"
	AssertTranscriptCount    = "transcript_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML. dir resolves policy_file.
func ParseScenario(data []byte, dir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.dir = dir

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadPolicy compiles the scenario's policy through the same path the CLI
// uses for policy files.
func (s *Scenario) LoadPolicy() (policy.Config, error) {
	if s.PolicyFile != "" {
		path := s.PolicyFile
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		return compiler.LoadPolicyFile(path)
	}
	if s.Policy == nil {
		return policy.Config{}, errors.New("scenario has no policy")
	}
	doc, err := yaml.Marshal(&s.Policy.node)
	if err != nil {
		return policy.Config{}, fmt.Errorf("re-encode inline policy: %w", err)
	}
	return compiler.ParsePolicy(s.Name+".policy.yaml", doc)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Window == "" {
		return fmt.Errorf("window is required")
	}
	if s.Runs < 0 {
		return fmt.Errorf("runs must be non-negative")
	}

	hasInline := s.Policy != nil && s.Policy.node.Kind != 0
	switch {
	case hasInline && s.PolicyFile != "":
		return fmt.Errorf("policy and policy_file are mutually exclusive")
	case !hasInline && s.PolicyFile == "":
		return fmt.Errorf("policy or policy_file is required")
	case hasInline && s.Policy.node.Kind != yaml.MappingNode:
		return fmt.Errorf("policy must be a mapping")
	}

	for i, step := range s.Events {
		if (step.Event == "") == (step.Batch == "") {
			return fmt.Errorf("events[%d]: exactly one of event or batch is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTranscriptContains:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for transcript_contains", index)
		}
	case AssertTranscriptOrder:
		if len(a.Codes) == 0 {
			return fmt.Errorf("assertions[%d]: codes list is required for transcript_order", index)
		}
	case AssertTranscriptCount:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for transcript_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for transcript_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
