package playbook

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
)

//go:embed default.yml
var defaultPlaybookYAML []byte

// DefaultID is the playbook ID of the embedded default sales playbook.
const DefaultID = "default-sales"

// FromYAML parses a playbook document and runs the linter on it. Stage IDs
// come from the map keys.
func FromYAML(data []byte) (domain.Playbook, error) {
	var pb domain.Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return domain.Playbook{}, fmt.Errorf("invalid playbook yaml: %w", err)
	}
	for id, st := range pb.Stages {
		st.StageID = id
		pb.Stages[id] = st
	}
	if res := Validate(pb); !res.Valid {
		return domain.Playbook{}, fmt.Errorf("playbook %s: %s", pb.PlaybookID, strings.Join(res.Errors, "; "))
	}
	return pb, nil
}

// FromFile reads a playbook YAML document from disk.
func FromFile(path string) (domain.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Playbook{}, err
	}
	return FromYAML(data)
}

// Default returns the embedded default sales playbook.
func Default() domain.Playbook {
	pb, err := FromYAML(defaultPlaybookYAML)
	if err != nil {
		// Covered by tests; cannot fail at runtime.
		panic(fmt.Sprintf("embedded default playbook: %v", err))
	}
	return pb
}
