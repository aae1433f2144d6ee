package lifecycle

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/errs"
)

//go:embed default_table.yaml
var defaultTableYAML []byte

// Table is the parsed transition-table configuration.
type Table struct {
	Domains map[string]DomainSpec `yaml:"domains"`
}

// DomainSpec holds one domain's states.
type DomainSpec struct {
	States map[string]StateSpec `yaml:"states"`
}

// StateSpec describes one state and its outgoing edges.
type StateSpec struct {
	Initial     bool             `yaml:"initial"`
	Final       bool             `yaml:"final"`
	Transitions []TransitionSpec `yaml:"transitions"`
}

// TransitionSpec is one allowed edge with optional guard names.
type TransitionSpec struct {
	To     string   `yaml:"to"`
	Guards []string `yaml:"guards"`
}

// ParseTable unmarshals a YAML transition table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errs.E(errs.Op("lifecycle.ParseTable"), errs.KindConfig, "transition table does not parse", err)
	}
	if len(t.Domains) == 0 {
		return nil, errs.ConfigInvalid("transition table defines no domains")
	}
	return &t, nil
}

// LoadTableFile reads a transition table from disk.
func LoadTableFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.E(errs.Op("lifecycle.LoadTableFile"), errs.KindConfig,
			fmt.Sprintf("read transition table %s", path), err)
	}
	return ParseTable(data)
}

// DefaultTable returns the embedded transition table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		// The embedded table is compiled in; failing to parse it is a
		// build defect, not a runtime condition.
		panic(err)
	}
	return t
}
