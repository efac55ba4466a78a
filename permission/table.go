package permission

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultTableYAML []byte

// Grant is a set of route prefixes and actions.
type Grant struct {
	Routes  []string `yaml:"routes"`
	Actions []string `yaml:"actions"`
}

// RoleGrant is the table row for one role: its additions on top of lower roles.
type RoleGrant struct {
	Role  string `yaml:"role"`
	Grant `yaml:",inline"`
}

// Table is the static permission table before compilation.
type Table struct {
	Base  Grant       `yaml:"base"`
	Roles []RoleGrant `yaml:"roles"`
}

// ParseTable decodes a YAML permission table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("decode permission table: %w", err)
	}
	return t, nil
}

var (
	defaultOnce   sync.Once
	defaultPolicy *Policy
	defaultErr    error
)

// LoadDefaultPolicy compiles the embedded permission table.
func LoadDefaultPolicy() (*Policy, error) {
	defaultOnce.Do(func() {
		t, err := ParseTable(defaultTableYAML)
		if err != nil {
			defaultErr = err
			return
		}
		defaultPolicy, defaultErr = NewPolicy(t)
	})
	return defaultPolicy, defaultErr
}

// DefaultPolicy returns the compiled embedded table and panics if it is invalid.
func DefaultPolicy() *Policy {
	p, err := LoadDefaultPolicy()
	if err != nil {
		panic("permission: embedded policy table invalid: " + err.Error())
	}
	return p
}
