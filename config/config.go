// Package config holds operator settings for a deployment directory.
//
// Settings are read from confctl.yaml at the root of the deployment
// directory (or the path given with --config). Missing fields take the
// defaults from Default; an absent file yields the defaults unchanged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"confctl/internal/generation"
	"confctl/internal/remote"
	"confctl/internal/swpins"
)

// FileName is the settings file looked up in the deployment directory.
const FileName = "confctl.yaml"

// Evaluator configures the external evaluator and builder commands.
type Evaluator struct {
	Command []string `yaml:"command" validate:"required,min=1,dive,required"`
	Builder []string `yaml:"builder" validate:"required,min=1,dive,required"`
}

type Concurrency struct {
	Copy         int `yaml:"copy" validate:"gte=1"`
	HealthChecks int `yaml:"healthChecks" validate:"gte=1"`
	Status       int `yaml:"status" validate:"gte=1"`
}

// Generations holds the retention defaults machines can override.
type Generations struct {
	Build generation.Policy `yaml:"build"`
	Host  generation.Policy `yaml:"host"`
}

type SSH struct {
	User    string `yaml:"user"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	KeyPath string `yaml:"keyPath"`
}

type AutoRollback struct {
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	ProbeInterval time.Duration `yaml:"probeInterval" validate:"gt=0"`
}

type Reboot struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Settings is the operator configuration of one deployment.
type Settings struct {
	// Dir is the deployment directory; relative paths resolve against it.
	Dir string `yaml:"-"`

	StateDir     string                        `yaml:"stateDir" validate:"required"`
	GitMirrorDir string                        `yaml:"gitMirrorDir"`
	LogLevel     string                        `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	Evaluator    Evaluator                     `yaml:"evaluator"`
	Concurrency  Concurrency                   `yaml:"concurrency"`
	Generations  Generations                   `yaml:"generations"`
	SSH          SSH                           `yaml:"ssh"`
	AutoRollback AutoRollback                  `yaml:"autoRollback"`
	Reboot       Reboot                        `yaml:"reboot"`
	Core         map[string]swpins.Declaration `yaml:"core" validate:"dive,keys,required,endkeys"`
}

// Default returns settings for dir with every default applied.
func Default(dir string) *Settings {
	return &Settings{
		Dir:      dir,
		StateDir: ".confctl",
		LogLevel: "warn",
		Evaluator: Evaluator{
			Command: []string{"confctl-eval", "inventory"},
			Builder: []string{"confctl-eval", "build"},
		},
		Concurrency: Concurrency{Copy: 5, HealthChecks: 5, Status: 10},
		Generations: Generations{
			Build: generation.Policy{Min: 1, Max: 100, MaxAge: 180 * 24 * time.Hour},
			Host:  generation.Policy{Min: 1, Max: 100, MaxAge: 180 * 24 * time.Hour},
		},
		AutoRollback: AutoRollback{Timeout: 60 * time.Second, ProbeInterval: 2 * time.Second},
		Reboot:       Reboot{Timeout: 10 * time.Minute},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads settings from path. The deployment directory is the file's
// directory. A missing file is not an error.
func Load(path string) (*Settings, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	s := Default(filepath.Dir(abs))

	data, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", abs, err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	return s, nil
}

// Find walks up from dir looking for FileName and loads the first one
// found. Without one, dir itself becomes the deployment directory.
func Find(dir string) (*Settings, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	for d := abs; ; {
		p := filepath.Join(d, FileName)
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	return Load(filepath.Join(abs, FileName))
}

// Validate checks field constraints and the retention policies.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	for name, p := range map[string]generation.Policy{"build": s.Generations.Build, "host": s.Generations.Host} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("generations.%s: %w", name, err)
		}
	}
	for name, d := range s.Core {
		if d.Type == "" {
			return fmt.Errorf("core swpin %q: missing type", name)
		}
	}
	return nil
}

// Path resolves p against the deployment directory.
func (s *Settings) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Dir, p)
}

func (s *Settings) StatePath() string { return s.Path(s.StateDir) }

// DatabasePath is the sqlite index holding GC roots and the deploy log.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.StatePath(), "confctl.db")
}

func (s *Settings) GenerationsDir() string {
	return filepath.Join(s.StatePath(), "generations")
}

// SwpinsDir holds one JSON file per pin set owner.
func (s *Settings) SwpinsDir() string {
	return filepath.Join(s.Dir, "swpins")
}

// MirrorDir is where git mirrors for changelogs live.
func (s *Settings) MirrorDir() string {
	if s.GitMirrorDir != "" {
		return s.Path(s.GitMirrorDir)
	}
	return filepath.Join(s.StatePath(), "git-mirrors")
}

func (s *Settings) SSHOptions() remote.SSHOptions {
	return remote.SSHOptions{User: s.SSH.User, Port: s.SSH.Port, KeyPath: s.Path(s.SSH.KeyPath)}
}
