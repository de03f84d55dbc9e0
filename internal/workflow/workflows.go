package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/opentalon/toolbroker/internal/toolclient"
)

// Workflow names.
const (
	SetupTestEnvironment = "setup_test_environment"
	DeployApplication    = "deploy_application"
	CleanupEnvironment   = "cleanup_environment"
)

// Settings parameterize the built-in workflows.
type Settings struct {
	DatabaseImage    string
	CacheImage       string
	NamePrefix       string
	DatabasePassword string
}

func (s Settings) withDefaults() Settings {
	if s.DatabaseImage == "" {
		s.DatabaseImage = "postgres:16-alpine"
	}
	if s.CacheImage == "" {
		s.CacheImage = "redis:7-alpine"
	}
	if s.NamePrefix == "" {
		s.NamePrefix = "toolbroker"
	}
	if s.DatabasePassword == "" {
		s.DatabasePassword = "test"
	}
	return s
}

// DeploySpec describes an application to deploy.
type DeploySpec struct {
	Name  string            `json:"name" yaml:"name"`
	Image string            `json:"image" yaml:"image"`
	Port  int               `json:"port,omitempty" yaml:"port,omitempty"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Validate checks spec and fills the name from the image when it is empty.
func (s *DeploySpec) Validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSpec, s.Port)
	}
	if s.Name == "" {
		name := s.Image
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		if i := strings.Index(name, ":"); i >= 0 {
			name = name[:i]
		}
		s.Name = name
	}
	return nil
}

// SetupTestEnvironment provisions a database and a cache container and then
// records a task that references both.
func (o *Orchestrator) SetupTestEnvironment(ctx context.Context) *Result {
	return o.Run(ctx, SetupTestEnvironment, o.setupSteps(shortID()))
}

func (o *Orchestrator) setupSteps(suffix string) []Step {
	s := o.settings
	return []Step{
		{
			Name:    "database",
			Server:  toolclient.DockerServer,
			Tool:    "create_container",
			Creates: KindContainer,
			Args: func(Results) (map[string]any, error) {
				return map[string]any{
					"image": s.DatabaseImage,
					"name":  fmt.Sprintf("%s-db-%s", s.NamePrefix, suffix),
					"env": map[string]string{
						"POSTGRES_PASSWORD": s.DatabasePassword,
						"POSTGRES_DB":       "test",
					},
				}, nil
			},
		},
		{
			Name:    "cache",
			Server:  toolclient.DockerServer,
			Tool:    "create_container",
			Creates: KindContainer,
			Args: func(Results) (map[string]any, error) {
				return map[string]any{
					"image": s.CacheImage,
					"name":  fmt.Sprintf("%s-cache-%s", s.NamePrefix, suffix),
				}, nil
			},
		},
		{
			Name:   "configure",
			Server: toolclient.TaskServer,
			Tool:   "create_task",
			Args: func(r Results) (map[string]any, error) {
				db, err := r.ID("database")
				if err != nil {
					return nil, err
				}
				cache, err := r.ID("cache")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"title":    fmt.Sprintf("Test environment ready: database %s, cache %s", db, cache),
					"priority": "medium",
				}, nil
			},
		},
	}
}

// DeployApplication runs the application container, verifies it is running
// and records the deployment as a task.
func (o *Orchestrator) DeployApplication(ctx context.Context, spec DeploySpec) *Result {
	if err := spec.Validate(); err != nil {
		res := o.start(ctx, DeployApplication)
		_, span := o.tracer.Start(ctx, "workflow "+DeployApplication)
		defer span.End()
		res.Status = StatusPartialFailure
		res.Err = &PartialFailure{Workflow: DeployApplication, Step: "validate", Err: err}
		res.Errors = []error{err}
		o.finish(ctx, span, res, o.now())
		return res
	}
	return o.Run(ctx, DeployApplication, o.deploySteps(spec))
}

func (o *Orchestrator) deploySteps(spec DeploySpec) []Step {
	return []Step{
		{
			Name:    "deploy",
			Server:  toolclient.DockerServer,
			Tool:    "run_container",
			Creates: KindContainer,
			Args: func(Results) (map[string]any, error) {
				args := map[string]any{
					"image": spec.Image,
					"name":  fmt.Sprintf("%s-%s", o.settings.NamePrefix, spec.Name),
				}
				if spec.Port > 0 {
					p := strconv.Itoa(spec.Port)
					args["ports"] = []string{p + ":" + p}
				}
				if len(spec.Env) > 0 {
					args["env"] = spec.Env
				}
				return args, nil
			},
		},
		{
			Name:   "verify",
			Server: toolclient.DockerServer,
			Tool:   "inspect_container",
			Args: func(r Results) (map[string]any, error) {
				id, err := r.ID("deploy")
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			},
			Check: checkRunning,
		},
		{
			Name:   "record",
			Server: toolclient.TaskServer,
			Tool:   "create_task",
			Args: func(r Results) (map[string]any, error) {
				id, err := r.ID("deploy")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"title":    fmt.Sprintf("Deployed %s (%s) as container %s", spec.Name, spec.Image, id),
					"priority": "low",
				}, nil
			},
		},
	}
}

// checkRunning fails an inspect result that reports a container state other
// than running. Results without a state are accepted.
func checkRunning(res *toolclient.ToolResult) error {
	v, ok := res.Value.(map[string]any)
	if !ok {
		return nil
	}
	var state string
	switch s := v["state"].(type) {
	case string:
		state = s
	case map[string]any:
		if status, ok := s["Status"].(string); ok {
			state = status
		}
	}
	if state == "" {
		if status, ok := v["status"].(string); ok {
			state = status
		}
	}
	if state == "" || strings.EqualFold(state, "running") {
		return nil
	}
	return fmt.Errorf("container is %s, want running", state)
}

// CleanupEnvironment removes every tracked resource. It does not stop at a
// failed removal; the result carries one error per failure and succeeds only
// when every removal did.
func (o *Orchestrator) CleanupEnvironment(ctx context.Context) *Result {
	return o.cleanup(ctx, CleanupEnvironment)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
