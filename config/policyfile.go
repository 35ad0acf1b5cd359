package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coreplane/agentcore/policy"
)

// policyLayerFile is the on-disk YAML shape of one policy layer:
// {allow[], deny[], allowDomains[], writePaths[], requireApproval} at
// global/agent/skill levels.
type policyLayerFile struct {
	Allow           []string `yaml:"allow"`
	Deny            []string `yaml:"deny"`
	AllowDomains    []string `yaml:"allowDomains"`
	WritePaths      []string `yaml:"writePaths"`
	RequireApproval *bool    `yaml:"requireApproval"`
}

func (f policyLayerFile) toLayer() policy.Layer {
	toCaps := func(names []string) []policy.Capability {
		out := make([]policy.Capability, len(names))
		for i, n := range names {
			out[i] = policy.Capability(n)
		}
		return out
	}
	return policy.Layer{
		Allow: toCaps(f.Allow), Deny: toCaps(f.Deny),
		AllowDomains: f.AllowDomains, WritePaths: f.WritePaths,
		RequireApproval: f.RequireApproval,
	}
}

// LoadPolicyLayer reads one YAML policy layer file from path.
func LoadPolicyLayer(path string) (policy.Layer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return policy.Layer{}, fmt.Errorf("read policy layer %s: %w", path, err)
	}
	var f policyLayerFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return policy.Layer{}, fmt.Errorf("parse policy layer %s: %w", path, err)
	}
	return f.toLayer(), nil
}

// LoadPolicySet resolves the global/agent/skill policy layers under dir
// (global.yaml, agents/<agentID>.yaml, skills/<skillID>.yaml, any of which
// may be absent) and folds them with the hardcoded layer.
func LoadPolicySet(dir, agentID, skillID string) (policy.Resolved, error) {
	layers := []policy.Layer{policy.Hardcoded()}

	paths := []string{filepath.Join(dir, "global.yaml")}
	if agentID != "" {
		paths = append(paths, filepath.Join(dir, "agents", agentID+".yaml"))
	}
	if skillID != "" {
		paths = append(paths, filepath.Join(dir, "skills", skillID+".yaml"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		layer, err := LoadPolicyLayer(p)
		if err != nil {
			return policy.Resolved{}, err
		}
		layers = append(layers, layer)
	}

	return policy.Fold(layers...), nil
}
