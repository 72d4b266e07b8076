// Package config loads the stack topology file: where the zone
// declarations live, which branch deploys, and which external binaries
// the pipeline drives.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Stack struct {
	// Name identifies the stack in deployment records and reports.
	Name string `yaml:"name"`
	// WorkDir is the directory of declarative zone resources, relative
	// to the repository root.
	WorkDir string `yaml:"work_dir"`
	// MainBranch is the only ref that auto-deploys on push.
	MainBranch string `yaml:"main_branch"`
	// Environment is the protected deployment environment applies are
	// gated behind.
	Environment string `yaml:"environment"`
	// RepoURL is the IaC repository zonepilot materializes per run.
	RepoURL string `yaml:"repo_url"`

	Tool    Tool    `yaml:"tool"`
	Scanner Scanner `yaml:"scanner"`

	// CredentialEnvNames are the variable names the provisioning tool
	// accepts the provider token under. The single configured token is
	// exported under every listed name.
	CredentialEnvNames []string `yaml:"credential_env_names"`
}

type Tool struct {
	Binary   string `yaml:"binary"`
	PlanFile string `yaml:"plan_file"`
}

type Scanner struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

func Load(path string) (Stack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Stack{}, fmt.Errorf("read stack config: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Stack, error) {
	var stack Stack
	if err := yaml.Unmarshal(raw, &stack); err != nil {
		return Stack{}, fmt.Errorf("parse stack config: %w", err)
	}
	stack.applyDefaults()
	if err := stack.Validate(); err != nil {
		return Stack{}, err
	}
	return stack, nil
}

func (s *Stack) applyDefaults() {
	if strings.TrimSpace(s.MainBranch) == "" {
		s.MainBranch = "main"
	}
	if strings.TrimSpace(s.Environment) == "" {
		s.Environment = "production"
	}
	if strings.TrimSpace(s.Tool.Binary) == "" {
		s.Tool.Binary = "tofu"
	}
	if strings.TrimSpace(s.Tool.PlanFile) == "" {
		s.Tool.PlanFile = "tfplan.binary"
	}
	if strings.TrimSpace(s.Scanner.Binary) == "" {
		s.Scanner.Binary = "checkov"
	}
	if len(s.Scanner.Args) == 0 {
		s.Scanner.Args = []string{"--directory", ".", "--soft-fail"}
	}
	if len(s.CredentialEnvNames) == 0 {
		s.CredentialEnvNames = []string{"HCLOUD_DNS_TOKEN", "TF_VAR_dns_api_token"}
	}
}

func (s Stack) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("stack name is required")
	}
	if strings.TrimSpace(s.WorkDir) == "" {
		return errors.New("work_dir is required")
	}
	if strings.TrimSpace(s.RepoURL) == "" {
		return errors.New("repo_url is required")
	}
	for _, name := range s.CredentialEnvNames {
		if strings.TrimSpace(name) == "" {
			return errors.New("credential_env_names must not contain blank entries")
		}
	}
	return nil
}

// CredentialEnv expands the single provider token into one assignment
// per accepted variable name.
func (s Stack) CredentialEnv(token string) map[string]string {
	out := make(map[string]string, len(s.CredentialEnvNames))
	for _, name := range s.CredentialEnvNames {
		out[name] = token
	}
	return out
}
