package spec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/benaskins/warden/internal/prompt"
	"gopkg.in/yaml.v3"
)

var (
	jobNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
	envKeyRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// JobSpec is the top-level structure for a job definition.
type JobSpec struct {
	Job          Job               `yaml:"job" json:"job"`
	Args         []string          `yaml:"args" json:"args"`
	WorkingDir   string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	IdleTimeout  Duration          `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	JobTimeout   Duration          `yaml:"job_timeout,omitempty" json:"job_timeout,omitempty"`
	PollInterval Duration          `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	Prompts      []PromptSpec      `yaml:"prompts,omitempty" json:"prompts,omitempty"`
	SSHKeys      []SSHKey          `yaml:"ssh_keys,omitempty" json:"ssh_keys,omitempty"`
	// SSHAgent binds the per-job agent to a socket inside the job directory.
	SSHAgent bool `yaml:"ssh_agent,omitempty" json:"ssh_agent,omitempty"`
	// SSHAddQuiet discards ssh-add's stderr.
	SSHAddQuiet      bool   `yaml:"ssh_add_quiet,omitempty" json:"ssh_add_quiet,omitempty"`
	IsolationWrapper string `yaml:"isolation_wrapper,omitempty" json:"isolation_wrapper,omitempty"`
}

type Job struct {
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"` // e.g. "borg", "restic"
}

// PromptSpec answers Pattern with either a keychain secret or an inline
// value. With neither, the prompt is matched but left unanswered.
type PromptSpec struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Secret  string `yaml:"secret,omitempty" json:"secret,omitempty"`
	Value   string `yaml:"value,omitempty" json:"value,omitempty"`
}

// SSHKey is a private key loaded into the job's agent, given inline or as a
// keychain reference.
type SSHKey struct {
	Name   string `yaml:"name" json:"name"`
	Data   string `yaml:"data,omitempty" json:"data,omitempty"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// Duration wraps time.Duration for unmarshaling from strings like "10s", "5m".
// JSON also accepts a plain number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Load reads and parses a job spec from a YAML file.
func Load(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}

	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing spec %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("validating spec %s: %w", path, err)
	}

	return &spec, nil
}

// LoadDir reads all YAML job specs from a directory.
func LoadDir(dir string) ([]*JobSpec, error) {
	var specs []*JobSpec
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		entries, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
		}
		for _, path := range entries {
			spec, err := Load(path)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

// Encode renders the spec as base64 JSON, the format of a job directory's
// env file.
func (s *JobSpec) Encode() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Decode parses and validates a base64 JSON job spec.
func Decode(data []byte) (*JobSpec, error) {
	raw, err := base64.StdEncoding.DecodeString(string(trimNewline(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	var spec JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing job: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("validating job: %w", err)
	}
	return &spec, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Validate checks that a job spec is well-formed.
func (s *JobSpec) Validate() error {
	if s.Job.Name == "" {
		return fmt.Errorf("job.name is required")
	}
	if !jobNameRe.MatchString(s.Job.Name) {
		return fmt.Errorf("job.name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", s.Job.Name)
	}
	if len(s.Args) == 0 || s.Args[0] == "" {
		return fmt.Errorf("args must name a command")
	}

	for k := range s.Env {
		if !envKeyRe.MatchString(k) {
			return fmt.Errorf("env key %q is invalid", k)
		}
	}

	if s.IdleTimeout.Duration < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if s.JobTimeout.Duration < 0 {
		return fmt.Errorf("job_timeout must not be negative")
	}
	if s.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}

	for i, p := range s.Prompts {
		if p.Pattern == "" {
			return fmt.Errorf("prompts[%d].pattern is required", i)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("prompts[%d].pattern: %w", i, err)
		}
		if p.Secret != "" && p.Value != "" {
			return fmt.Errorf("prompts[%d] sets both secret and value", i)
		}
	}

	seen := map[string]bool{}
	for i, k := range s.SSHKeys {
		if !jobNameRe.MatchString(k.Name) {
			return fmt.Errorf("ssh_keys[%d].name %q is invalid", i, k.Name)
		}
		if seen[k.Name] {
			return fmt.Errorf("ssh_keys[%d].name %q is duplicated", i, k.Name)
		}
		seen[k.Name] = true
		if (k.Data == "") == (k.Secret == "") {
			return fmt.Errorf("ssh_keys[%d] needs exactly one of data or secret", i)
		}
	}

	return nil
}

// Resolver looks up a keychain reference.
type Resolver func(ref string) (string, error)

// PromptTable builds the ordered prompt table, resolving secret references
// through resolve.
func (s *JobSpec) PromptTable(resolve Resolver) (*prompt.Table, error) {
	t := &prompt.Table{}
	for i, p := range s.Prompts {
		var err error
		switch {
		case p.Secret != "":
			var v string
			v, err = resolve(p.Secret)
			if err != nil {
				return nil, fmt.Errorf("resolving prompts[%d] secret %q: %w", i, p.Secret, err)
			}
			err = t.Add(p.Pattern, prompt.Secret(v))
		case p.Value != "":
			err = t.Add(p.Pattern, prompt.Secret(p.Value))
		default:
			err = t.AddSilent(p.Pattern)
		}
		if err != nil {
			return nil, fmt.Errorf("prompts[%d]: %w", i, err)
		}
	}
	return t, nil
}

// KeyData returns each SSH key's material in order, resolving secret
// references through resolve.
func (s *JobSpec) KeyData(resolve Resolver) ([]string, error) {
	out := make([]string, 0, len(s.SSHKeys))
	for _, k := range s.SSHKeys {
		data := k.Data
		if k.Secret != "" {
			v, err := resolve(k.Secret)
			if err != nil {
				return nil, fmt.Errorf("resolving ssh key %s: %w", k.Name, err)
			}
			data = v
		}
		out = append(out, data)
	}
	return out, nil
}
