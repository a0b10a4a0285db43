// Package envdetect auto-detects which environment manager a notebook
// belongs to by walking its directory tree for a project file (spec §4.H),
// ported from the daemon's Rust project_file detector with "closest wins"
// semantics.
package envdetect

import (
	"os"
	"path/filepath"
	"sort"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Kind identifies the type of project file found.
type Kind string

const (
	KindPyprojectToml  Kind = "pyproject_toml"
	KindPixiToml       Kind = "pixi_toml"
	KindEnvironmentYml Kind = "environment_yml"
)

// EnvSource returns the environment-manager tag used when requesting a
// kernel launch for this project file kind.
func (k Kind) EnvSource() string {
	switch k {
	case KindPyprojectToml:
		return "uv:pyproject"
	case KindPixiToml:
		return "conda:pixi"
	case KindEnvironmentYml:
		return "conda:env_yml"
	default:
		return ""
	}
}

// Detected is a project file found on disk along with its kind.
type Detected struct {
	Path string
	Kind Kind
}

type candidate struct {
	filename string
	kind     Kind
}

// candidates is in tiebreaker priority order: within one directory,
// pyproject.toml beats pixi.toml beats environment.yml beats
// environment.yaml.
var candidates = []candidate{
	{"pyproject.toml", KindPyprojectToml},
	{"pixi.toml", KindPixiToml},
	{"environment.yml", KindEnvironmentYml},
	{"environment.yaml", KindEnvironmentYml},
}

// FindNearest walks up from startPath checking each directory for project
// files restricted to kinds, stopping at the user's home directory or a
// `.git` boundary. It returns the closest match, or nil if none was found.
func FindNearest(startPath string, kinds []Kind) (*Detected, error) {
	info, err := os.Stat(startPath)
	startDir := startPath
	if err == nil && !info.IsDir() {
		startDir = filepath.Dir(startPath)
	}
	startDir, err = filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	home, homeErr := homedir.Dir()

	allowed := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}

	current := startDir
	for {
		for _, c := range candidates {
			if !allowed[c.kind] {
				continue
			}
			candidatePath := filepath.Join(current, c.filename)
			if fileExists(candidatePath) {
				return &Detected{Path: candidatePath, Kind: c.kind}, nil
			}
		}

		if homeErr == nil && current == home {
			return nil, nil
		}
		if fileExists(filepath.Join(current, ".git")) {
			return nil, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return nil, nil
		}
		current = parent
	}
}

// Detect is FindNearest with all known kinds enabled.
func Detect(notebookPath string) (*Detected, error) {
	return FindNearest(notebookPath, []Kind{KindPyprojectToml, KindPixiToml, KindEnvironmentYml})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Manifest is the subset of a project file's declared dependencies relevant
// to picking or building an environment: the package list and, for conda
// style managers, the channel list.
type Manifest struct {
	Channels     []string
	Dependencies []string
}

type environmentYml struct {
	Name         string        `yaml:"name"`
	Channels     []string      `yaml:"channels"`
	Dependencies []interface{} `yaml:"dependencies"`
}

type pyprojectToml struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

type pixiToml struct {
	Dependencies map[string]string `toml:"dependencies"`
}

// ParseManifest reads d.Path and extracts its declared dependencies. It is
// best-effort: a manifest that fails to parse yields an empty Manifest and
// no error, since a malformed project file shouldn't block falling back to
// the prewarmed pool's default environment.
func ParseManifest(d *Detected) (Manifest, error) {
	raw, err := os.ReadFile(d.Path)
	if err != nil {
		return Manifest{}, err
	}

	switch d.Kind {
	case KindEnvironmentYml:
		var doc environmentYml
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Manifest{}, nil
		}
		deps := make([]string, 0, len(doc.Dependencies))
		for _, dep := range doc.Dependencies {
			switch v := dep.(type) {
			case string:
				deps = append(deps, v)
			case map[string]interface{}:
				if pipList, ok := v["pip"].([]interface{}); ok {
					for _, p := range pipList {
						if s, ok := p.(string); ok {
							deps = append(deps, s)
						}
					}
				}
			}
		}
		return Manifest{Channels: doc.Channels, Dependencies: deps}, nil

	case KindPyprojectToml:
		var doc pyprojectToml
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return Manifest{}, nil
		}
		return Manifest{Dependencies: doc.Project.Dependencies}, nil

	case KindPixiToml:
		var doc pixiToml
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return Manifest{}, nil
		}
		deps := make([]string, 0, len(doc.Dependencies))
		for name, version := range doc.Dependencies {
			if version == "" || version == "*" {
				deps = append(deps, name)
			} else {
				deps = append(deps, name+"=="+version)
			}
		}
		sort.Strings(deps)
		return Manifest{Dependencies: deps}, nil

	default:
		return Manifest{}, nil
	}
}
