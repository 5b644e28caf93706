package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// alertRulesFile is the on-disk layout of alerting.rules_file.
//
//	rules:
//	  - name: latency-p95
//	    metric: pipeline.latency_ms
//	    aggregate: p95
//	    comparator: ">"
//	    threshold: 5000
//	    severity: HIGH
type alertRulesFile struct {
	Rules []struct {
		Name       string  `yaml:"name"`
		Metric     string  `yaml:"metric"`
		Aggregate  string  `yaml:"aggregate"`
		Comparator string  `yaml:"comparator"`
		Threshold  float64 `yaml:"threshold"`
		Severity   string  `yaml:"severity"`
		MinSamples int32   `yaml:"min_samples"`
	} `yaml:"rules"`
}

// LoadAlertRules reads threshold rules from a YAML file.
func LoadAlertRules(path string) ([]*Alerting_Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert rules file %s: %w", path, err)
	}

	var file alertRulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse alert rules file %s: %w", path, err)
	}

	rules := make([]*Alerting_Rule, 0, len(file.Rules))
	for i, r := range file.Rules {
		if r.Metric == "" {
			return nil, fmt.Errorf("alert rule #%d in %s has no metric", i, path)
		}
		rules = append(rules, &Alerting_Rule{
			Name:       r.Name,
			Metric:     r.Metric,
			Aggregate:  r.Aggregate,
			Comparator: r.Comparator,
			Threshold:  r.Threshold,
			Severity:   r.Severity,
			MinSamples: r.MinSamples,
		})
	}
	return rules, nil
}

// DefaultAlertRules are used when neither alerting.rules nor a rules file is configured.
func DefaultAlertRules() []*Alerting_Rule {
	return []*Alerting_Rule{
		{Name: "latency-p95", Metric: "pipeline.latency_ms", Aggregate: "p95", Comparator: ">", Threshold: 15000, Severity: "HIGH", MinSamples: 10},
		{Name: "error-rate", Metric: "pipeline.error", Aggregate: "rate", Comparator: ">", Threshold: 20, Severity: "HIGH", MinSamples: 10},
		{Name: "uptime", Metric: "pipeline.available", Aggregate: "rate", Comparator: "<", Threshold: 95, Severity: "MEDIUM", MinSamples: 10},
		{Name: "dead-letter-rate", Metric: "delivery.dead_letter", Aggregate: "rate", Comparator: ">", Threshold: 5, Severity: "CRITICAL", MinSamples: 5},
	}
}
