package toolclient

import (
	"os"
	"slices"
	"sort"
)

// Known tool server names.
const (
	TaskServer   = "task_mcp"
	GitServer    = "git_mcp"
	DockerServer = "docker_mcp"
	CRMServer    = "crm_mcp"
	GitHubServer = "github_mcp"
)

// safeEnv lists the variables every tool server inherits from the broker.
var safeEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM"}

// Descriptor says how to launch one tool server.
type Descriptor struct {
	Name    string
	Command string
	Args    []string
	// Env names variables copied from the broker's environment on top of
	// the default safe set.
	Env []string
	// Set holds explicit values. They override inherited variables.
	Set map[string]string
}

// KnownDescriptors returns the built-in launch recipes keyed by name.
func KnownDescriptors() map[string]Descriptor {
	return map[string]Descriptor{
		TaskServer: {
			Name:    TaskServer,
			Command: "task-mcp",
		},
		GitServer: {
			Name:    GitServer,
			Command: "git-mcp",
			Env:     []string{"GITHUB_TOKEN"},
		},
		DockerServer: {
			Name:    DockerServer,
			Command: "docker-mcp",
			Env:     []string{"DOCKER_HOST"},
		},
		CRMServer: {
			Name:    CRMServer,
			Command: "crm-mcp",
			Env:     []string{"CRM_DATABASE_URL"},
		},
		GitHubServer: {
			Name:    GitHubServer,
			Command: "github-mcp",
			Env:     []string{"GITHUB_TOKEN"},
		},
	}
}

// Environ builds the child environment for d. lookup is usually
// os.LookupEnv; variables it does not know are skipped.
func (d Descriptor) Environ(lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	vals := make(map[string]string)
	for _, name := range slices.Concat(safeEnv, d.Env) {
		if v, ok := lookup(name); ok {
			vals[name] = v
		}
	}
	for k, v := range d.Set {
		vals[k] = v
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vals[k])
	}
	return env
}
