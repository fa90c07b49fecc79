package entitlement

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config selects the table source. An empty File means DefaultTable.
type Config struct {
	File string `env:"ENTITLEMENTS_FILE"`
}

// Load returns the table described by cfg.
func Load(cfg Config) (*Table, error) {
	if cfg.File == "" {
		return DefaultTable(), nil
	}
	f, err := os.Open(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("open entitlements file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

type document struct {
	Features map[string]Policy           `yaml:"features"`
	Plans    map[string]map[string]Limit `yaml:"plans"`
}

// Decode reads a YAML table:
//
//	features:
//	  photo: {gate: hard, meter: counter}
//	plans:
//	  free: {photo: 5, text: 0, ocr: 0, report: 0, coach_analysis: 0}
//	  unlimited: {photo: unlimited, ...}
//
// Feature keys may use short or wire names. The features section is
// optional; every plan must list every feature.
func Decode(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read entitlements: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	limits := make(map[Plan]map[Feature]Limit, len(doc.Plans))
	for planName, row := range doc.Plans {
		plan, err := ParsePlan(planName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
		}
		cells := make(map[Feature]Limit, len(row))
		for featureName, limit := range row {
			feature, err := ParseFeature(featureName)
			if err != nil {
				return nil, fmt.Errorf("%w: plan %q: %w", ErrInvalidTable, plan, err)
			}
			cells[feature] = limit
		}
		limits[plan] = cells
	}

	policies := make(map[Feature]Policy, len(doc.Features))
	for featureName, p := range doc.Features {
		feature, err := ParseFeature(featureName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
		}
		policies[feature] = p
	}

	return NewTable(limits, policies)
}
