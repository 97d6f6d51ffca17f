package action

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// stringList accepts either a YAML sequence or a comma-separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = nil
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				*l = append(*l, p)
			}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

type checkoutOptions struct {
	URL   string `yaml:"url"`
	Ref   string `yaml:"ref"`
	Dir   string `yaml:"dir"`
	Depth int    `yaml:"depth"`
}

type cleanWorkspaceOptions struct {
	Keep stringList `yaml:"keep"`
}

type archiveOptions struct {
	Patterns    stringList `yaml:"patterns"`
	Compression string     `yaml:"compression"`
	AllowEmpty  bool       `yaml:"allowEmpty"`
}

type junitOptions struct {
	Patterns         stringList `yaml:"patterns"`
	AllowEmpty       bool       `yaml:"allowEmpty"`
	FailureThreshold int        `yaml:"failureThreshold"`
	ErrorThreshold   *int       `yaml:"errorThreshold"`
	OnThreshold      string     `yaml:"onThreshold"`
}

type warningsOptions struct {
	Parser      string     `yaml:"parser"`
	Logs        stringList `yaml:"logs"`
	FromStage   string     `yaml:"fromStage"`
	Exclude     stringList `yaml:"exclude"`
	Threshold   *int       `yaml:"threshold"`
	OnThreshold string     `yaml:"onThreshold"`
}

// Threshold outcomes.
const (
	OnThresholdUnstable = "unstable"
	OnThresholdFailure  = "failure"
)

func normalizeOnThreshold(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", OnThresholdUnstable:
		return OnThresholdUnstable, nil
	case OnThresholdFailure, "fail", "failed":
		return OnThresholdFailure, nil
	default:
		return "", fmt.Errorf("unsupported onThreshold %q (want unstable or failure)", v)
	}
}

// decodeWith converts the free-form with map into a typed options struct.
// Unknown keys are rejected.
func decodeWith(with map[string]any, out any) error {
	if len(with) == 0 {
		return nil
	}
	data, err := yaml.Marshal(with)
	if err != nil {
		return fmt.Errorf("encode with: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode with: %w", err)
	}
	return nil
}
