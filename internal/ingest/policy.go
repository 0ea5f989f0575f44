package ingest

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Action is what sanitation does with a non-finite or non-numeric value.
type Action string

const (
	// ActionDrop treats the value as absent.
	ActionDrop Action = "drop"
	// ActionZero replaces the value with 0.
	ActionZero Action = "zero"
	// ActionReject rejects the whole event.
	ActionReject Action = "reject"
)

func (a Action) valid() bool {
	return a == ActionDrop || a == ActionZero || a == ActionReject
}

// numericFields are always sanitized as numbers. Policy fields extend the set.
var numericFields = map[string]bool{
	"fare":                  true,
	"fare_amount":           true,
	"estimated_fare_amount": true,
	"trip_distance":         true,
	"tip_amount":            true,
	"tolls_amount":          true,
	"total_amount":          true,
	"extra":                 true,
	"mta_tax":               true,
	"improvement_surcharge": true,
	"congestion_surcharge":  true,
	"airport_fee":           true,
	"passenger_count":       true,
}

// SanitationPolicy declares the per-field action for bad numeric values.
//
//	default: drop
//	fields:
//	  fare: drop
//	  passenger_count: zero
//	  trip_distance: reject
type SanitationPolicy struct {
	Default Action            `yaml:"default"`
	Fields  map[string]Action `yaml:"fields"`
}

// DefaultPolicy drops every bad numeric value.
func DefaultPolicy() SanitationPolicy {
	return SanitationPolicy{Default: ActionDrop}
}

// ParsePolicy decodes a YAML sanitation policy.
func ParsePolicy(data []byte) (SanitationPolicy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return SanitationPolicy{}, eris.Wrap(err, "ingest: parse sanitation policy")
	}
	if p.Default == "" {
		p.Default = ActionDrop
	}
	normalized := make(map[string]Action, len(p.Fields))
	for k, a := range p.Fields {
		normalized[strings.ToLower(strings.TrimSpace(k))] = Action(strings.ToLower(string(a)))
	}
	p.Fields = normalized
	p.Default = Action(strings.ToLower(string(p.Default)))
	if err := p.Validate(); err != nil {
		return SanitationPolicy{}, err
	}
	return p, nil
}

// LoadPolicy reads a policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (SanitationPolicy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SanitationPolicy{}, eris.Wrapf(err, "ingest: read sanitation policy %s", path)
	}
	return ParsePolicy(data)
}

// Validate checks every action is known.
func (p SanitationPolicy) Validate() error {
	if !p.Default.valid() {
		return eris.Errorf("ingest: sanitation policy: unknown default action %q", p.Default)
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !p.Fields[k].valid() {
			return eris.Errorf("ingest: sanitation policy: unknown action %q for field %s", p.Fields[k], k)
		}
	}
	return nil
}

// ActionFor returns the action for field.
func (p SanitationPolicy) ActionFor(field string) Action {
	if a, ok := p.Fields[field]; ok {
		return a
	}
	if p.Default == "" {
		return ActionDrop
	}
	return p.Default
}

func (p SanitationPolicy) isNumeric(field string) bool {
	if numericFields[field] {
		return true
	}
	_, ok := p.Fields[field]
	return ok
}
