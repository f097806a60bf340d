// Package policy holds the business rules operators tune without a release:
// dispute limits, the delivery checklist and gateway retry budgets.
package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"escrowflow/gateway"
)

type Policy struct {
	Dispute  Dispute             `yaml:"dispute"`
	Delivery Delivery            `yaml:"delivery"`
	Gateway  gateway.RetryPolicy `yaml:"gateway"`
	Outbox   Outbox              `yaml:"outbox"`
}

type Dispute struct {
	Window         time.Duration `yaml:"window"`
	MinDescription int           `yaml:"min_description"`
	MinEvidence    int           `yaml:"min_evidence"`
	ReasonCodes    []string      `yaml:"reason_codes"`
}

type Delivery struct {
	// Checklist items the confirming buyer must acknowledge one by one.
	Checklist []string `yaml:"checklist"`
}

type Outbox struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// ClaimLease is how long a dispatcher owns a message it took.
	ClaimLease  time.Duration `yaml:"claim_lease"`
}

// Default returns the built-in rules.
func Default() Policy {
	return Policy{
		Dispute: Dispute{
			Window:         30 * 24 * time.Hour,
			MinDescription: 20,
			MinEvidence:    1,
			ReasonCodes: []string{
				"quality_issue",
				"not_as_described",
				"not_delivered",
				"damaged_in_transit",
				"wrong_measurements",
				"other",
			},
		},
		Delivery: Delivery{
			Checklist: []string{
				"items_received",
				"matches_description",
				"fit_and_finish_checked",
			},
		},
		Gateway: gateway.RetryPolicy{
			MaxAttempts:     4,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Outbox: Outbox{
			MaxAttempts: 12,
			RetryDelay:  30 * time.Second,
			ClaimLease:  5 * time.Minute,
		},
	}
}

// Load reads a YAML policy file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: decode %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	var errs []error
	if p.Dispute.Window <= 0 {
		errs = append(errs, errors.New("dispute.window must be positive"))
	}
	if p.Dispute.MinDescription < 0 {
		errs = append(errs, errors.New("dispute.min_description must not be negative"))
	}
	if p.Dispute.MinEvidence < 1 {
		errs = append(errs, errors.New("dispute.min_evidence must be at least 1"))
	}
	if len(p.Dispute.ReasonCodes) == 0 {
		errs = append(errs, errors.New("dispute.reason_codes must not be empty"))
	}
	if p.Gateway.MaxAttempts < 1 {
		errs = append(errs, errors.New("gateway.max_attempts must be at least 1"))
	}
	if p.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.max_attempts must be at least 1"))
	}
	if p.Outbox.ClaimLease < time.Second {
		errs = append(errs, errors.New("outbox.claim_lease must be at least one second"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("policy: %w", errors.Join(errs...))
	}
	return nil
}

// AllowsReason reports whether code is a configured dispute reason.
func (d Dispute) AllowsReason(code string) bool {
	for _, c := range d.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}
