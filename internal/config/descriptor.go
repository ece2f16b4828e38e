package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Descriptor is the YAML deployment descriptor. All fields are
// optional; empty values leave the env-derived configuration alone.
type Descriptor struct {
	Identity struct {
		URL         string `yaml:"url"`
		AnonKey     string `yaml:"anon_key"`
		RealtimeURL string `yaml:"realtime_url"`
	} `yaml:"identity"`

	Profiles struct {
		URL string `yaml:"url"`
	} `yaml:"profiles"`

	Routes struct {
		SignIn     string `yaml:"sign_in"`
		Onboarding string `yaml:"onboarding"`
		Home       string `yaml:"home"`
	} `yaml:"routes"`

	Policy PolicyDescriptor `yaml:"policy"`
}

// Duration decodes YAML values like "1s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// PolicyDescriptor is the hot-reloadable timing-knob section.
type PolicyDescriptor struct {
	SettleDelay        Duration `yaml:"settle_delay"`
	SettleRecheckDelay Duration `yaml:"settle_recheck_delay"`
	RecoveryAttempts   int      `yaml:"recovery_attempts"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BackoffCap         Duration `yaml:"backoff_cap"`
	EstablishTimeout   Duration `yaml:"establish_timeout"`
	RedirectDelay      Duration `yaml:"redirect_delay"`
}

// LoadDescriptor reads and parses a YAML deployment descriptor.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}

	return &desc, nil
}

// applyDescriptor merges a descriptor into the config. Deployment
// fields fill gaps the environment left empty; policy fields override
// unconditionally when set, because the descriptor is the runtime
// source of truth for the timing knobs.
func (c *Config) applyDescriptor(desc *Descriptor) {
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}

	fill(&c.IdentityURL, desc.Identity.URL)
	fill(&c.IdentityAnonKey, desc.Identity.AnonKey)
	fill(&c.IdentityRealtimeURL, desc.Identity.RealtimeURL)
	fill(&c.ProfileAPIURL, desc.Profiles.URL)
	fill(&c.SignInURL, desc.Routes.SignIn)
	fill(&c.OnboardingURL, desc.Routes.Onboarding)
	fill(&c.HomeURL, desc.Routes.Home)

	c.applyPolicy(desc.Policy)
}

// applyPolicy overrides the timing knobs with any non-zero descriptor
// values.
func (c *Config) applyPolicy(p PolicyDescriptor) {
	pol := c.Policy()
	applyPolicyTo(&pol, p)

	c.SettleDelay = pol.SettleDelay
	c.SettleRecheckDelay = pol.SettleRecheckDelay
	c.RecoveryAttempts = pol.RecoveryAttempts
	c.BackoffBase = pol.BackoffBase
	c.BackoffCap = pol.BackoffCap
	c.EstablishTimeout = pol.EstablishTimeout
	c.RedirectDelay = pol.RedirectDelay
}

// applyPolicyTo overrides any knob the descriptor sets, leaving the
// rest alone.
func applyPolicyTo(dst *Policy, p PolicyDescriptor) {
	if p.SettleDelay > 0 {
		dst.SettleDelay = time.Duration(p.SettleDelay)
	}

	if p.SettleRecheckDelay > 0 {
		dst.SettleRecheckDelay = time.Duration(p.SettleRecheckDelay)
	}

	if p.RecoveryAttempts > 0 {
		dst.RecoveryAttempts = p.RecoveryAttempts
	}

	if p.BackoffBase > 0 {
		dst.BackoffBase = time.Duration(p.BackoffBase)
	}

	if p.BackoffCap > 0 {
		dst.BackoffCap = time.Duration(p.BackoffCap)
	}

	if p.EstablishTimeout > 0 {
		dst.EstablishTimeout = time.Duration(p.EstablishTimeout)
	}

	if p.RedirectDelay > 0 {
		dst.RedirectDelay = time.Duration(p.RedirectDelay)
	}
}
