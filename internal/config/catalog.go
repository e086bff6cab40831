package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog describes the launchable jobs and the execution target they run
// against. It is loaded once at startup from a YAML file; the built-in
// catalog covers the standard pipeline deployment.
type Catalog struct {
	Target Target             `yaml:"target"`
	Jobs   map[string]JobSpec `yaml:"jobs"`
}

// JobSpec is one launchable job in the catalog.
type JobSpec struct {
	Command         string     `yaml:"command"`          // shell command body; may reference exported param variables
	CompletionToken string     `yaml:"completion_token"` // marker the job prints on successful completion
	Description     string     `yaml:"description"`
	Params          []IntParam `yaml:"params"`
}

// IntParam declares an integer launch parameter exported to the job command
// as an environment variable.
type IntParam struct {
	Name    string `yaml:"name"` // request field name (e.g., "months")
	Env     string `yaml:"env"`  // variable name in the job environment (e.g., "OPS_MONTHS")
	Min     int    `yaml:"min"`
	Max     int    `yaml:"max"`
	Default int    `yaml:"default"`
}

// Target describes where job commands execute.
type Target struct {
	InstallMarker string    `yaml:"install_marker"` // path that exists only on the pipeline host
	RunDir        string    `yaml:"run_dir"`        // session state directory on the execution host
	SSH           SSHTarget `yaml:"ssh"`
}

// SSHTarget is the fixed remote execution endpoint used when the pipeline
// is not installed on the local machine.
type SSHTarget struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	IdentityFile   string        `yaml:"identity_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"` // empty skips host key verification
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

var (
	jobNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// LoadCatalog reads and validates a catalog file. An empty path returns the
// built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML, applies defaults, and validates.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	cat.applyDefaults()
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) applyDefaults() {
	if c.Target.RunDir == "" {
		c.Target.RunDir = "/var/tmp/opsconsole"
	}
	if c.Target.SSH.Port == 0 {
		c.Target.SSH.Port = 22
	}
	if c.Target.SSH.ConnectTimeout == 0 {
		c.Target.SSH.ConnectTimeout = 10 * time.Second
	}
}

// Validate checks catalog consistency.
func (c *Catalog) Validate() error {
	if len(c.Jobs) == 0 {
		return fmt.Errorf("catalog defines no jobs")
	}
	for name, spec := range c.Jobs {
		if !jobNameRe.MatchString(name) {
			return fmt.Errorf("invalid job name %q", name)
		}
		if spec.Command == "" {
			return fmt.Errorf("job %q has no command", name)
		}
		for _, p := range spec.Params {
			if p.Name == "" || p.Env == "" {
				return fmt.Errorf("job %q has a param without name or env", name)
			}
			if !envNameRe.MatchString(p.Env) {
				return fmt.Errorf("job %q param %q: invalid env name %q", name, p.Name, p.Env)
			}
			if p.Max != 0 && p.Min > p.Max {
				return fmt.Errorf("job %q param %q: min exceeds max", name, p.Name)
			}
		}
	}
	return nil
}

// DefaultCatalog returns the built-in catalog for the standard pipeline
// deployment: incremental ingestion plus historical backfill.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Target: Target{
			InstallMarker: "/opt/pipeline/current",
			RunDir:        "/var/tmp/opsconsole",
			SSH: SSHTarget{
				Port:           22,
				ConnectTimeout: 10 * time.Second,
			},
		},
		Jobs: map[string]JobSpec{
			"ingestion": {
				Command:         `cd /opt/pipeline/current && ./bin/pipeline ingest --new`,
				CompletionToken: "INGESTION COMPLETE",
				Description:     "Fetch and load records added since the last run",
			},
			"backfill": {
				Command:         `cd /opt/pipeline/current && ./bin/pipeline backfill --months "${OPS_MONTHS:?}"`,
				CompletionToken: "BACKFILL COMPLETE",
				Description:     "Reload historical records going back N months",
				Params: []IntParam{
					{Name: "months", Env: "OPS_MONTHS", Min: 1, Max: 120, Default: 1},
				},
			},
		},
	}
}
