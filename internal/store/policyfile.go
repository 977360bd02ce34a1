package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// PolicyFile is the YAML bootstrap shape for no-database deployments: a set
// of policies plus optional tool-chain rules for the chain detector.
type PolicyFile struct {
	Policies []PolicyEntry       `yaml:"policies"`
	Rules    []scanner.ChainRule `yaml:"chain_rules"`
}

// PolicyEntry is one policy in the bootstrap file.
type PolicyEntry struct {
	ID        string   `yaml:"id"`
	TenantID  string   `yaml:"tenant_id"`
	Name      string   `yaml:"name"`
	Scanners  []string `yaml:"scanners"`
	Action    string   `yaml:"action"`
	Threshold float64  `yaml:"threshold"`
	Active    *bool    `yaml:"active"`
}

// LoadPolicyFile parses a YAML policy bootstrap file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i, p := range pf.Policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy file %s: entry %d has no id", path, i)
		}
		if p.Action != "" && !models.ValidAction(p.Action) {
			return nil, fmt.Errorf("policy file %s: policy %q has unknown action %q", path, p.ID, p.Action)
		}
	}
	return &pf, nil
}

// Policy converts a file entry into the domain policy record.
func (e PolicyEntry) Policy() *models.Policy {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	action := models.PolicyAction(e.Action)
	if e.Action == "" {
		action = models.ActionLog
	}
	return &models.Policy{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Name:      e.Name,
		Scanners:  e.Scanners,
		Action:    action,
		Threshold: e.Threshold,
		Active:    active,
	}
}
