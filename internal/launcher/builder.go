package launcher

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/config"
)

// Scratch directory handed to containerised workers, relative to their workdir.
const containerScratch = "tmp/analysis"

// Worker environment variable names.
const (
	EnvCorrelationID = "CORRELATION_ID"
	EnvAnalysisID    = "ANALYSIS_ID"
	EnvCallbackURL   = "CALLBACK_URL"
	EnvCallbackToken = "CALLBACK_TOKEN"
)

// Invocation is the job context handed to a worker.
type Invocation struct {
	CorrelationID uuid.UUID
	RepositoryRef string
	CallbackURL   string
	// CallbackToken is empty when callback signing is disabled.
	CallbackToken string
}

// CommandBuilder turns an invocation into a runnable command.
type CommandBuilder interface {
	Build(inv Invocation) (Command, error)
}

// NewBuilder picks the builder for the configured worker mode.
func NewBuilder(cfg config.WorkerConfig) (CommandBuilder, error) {
	switch cfg.Mode {
	case config.WorkerModeDocker:
		return &DockerBuilder{
			Command:       cfg.Command,
			Image:         cfg.Image,
			ExtraArgs:     cfg.Args,
			PassEnv:       cfg.PassEnv,
			ExtraHosts:    cfg.ExtraHosts,
			PermittedList: cfg.PermittedList,
			Languages:     cfg.Languages,
		}, nil
	case config.WorkerModeExec:
		return &ExecBuilder{
			Command:       cfg.Command,
			ExtraArgs:     cfg.Args,
			PassEnv:       cfg.PassEnv,
			ScratchRoot:   cfg.ScratchRoot,
			PermittedList: cfg.PermittedList,
			Languages:     cfg.Languages,
		}, nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.Mode)
	}
}

// DockerBuilder runs each job in a throwaway container.
//
// Secrets never appear in argv: pass-through variables and the callback
// token are forwarded by name with "-e NAME" and resolved by the docker CLI
// from its own environment.
type DockerBuilder struct {
	Command       string
	Image         string
	ExtraArgs     []string
	PassEnv       []string
	ExtraHosts    []string
	PermittedList string
	Languages     []string
}

func (b *DockerBuilder) Build(inv Invocation) (Command, error) {
	if inv.RepositoryRef == "" {
		return Command{}, fmt.Errorf("repository reference is empty")
	}
	if b.Image == "" {
		return Command{}, fmt.Errorf("worker image is not configured")
	}

	id := inv.CorrelationID.String()
	args := []string{"run", "--rm"}
	args = append(args, b.ExtraArgs...)
	args = append(args,
		"-e", EnvCorrelationID+"="+id,
		"-e", EnvAnalysisID+"="+id,
		"-e", EnvCallbackURL+"="+inv.CallbackURL,
	)

	env := os.Environ()
	if inv.CallbackToken != "" {
		args = append(args, "-e", EnvCallbackToken)
		env = append(env, EnvCallbackToken+"="+inv.CallbackToken)
	}
	for _, name := range b.PassEnv {
		args = append(args, "-e", name)
	}
	for _, host := range b.ExtraHosts {
		args = append(args, "--add-host", host)
	}

	args = append(args, b.Image, inv.RepositoryRef, containerScratch, b.PermittedList, strings.Join(b.Languages, ","))

	return Command{Path: b.Command, Args: args, Env: env}, nil
}

// ExecBuilder runs the worker as a local process with its own scratch
// directory, removed once the process exits.
type ExecBuilder struct {
	Command       string
	ExtraArgs     []string
	PassEnv       []string
	ScratchRoot   string
	PermittedList string
	Languages     []string
}

// baseEnv is always inherited so the worker can find its interpreter.
var baseEnv = []string{"PATH", "HOME", "TMPDIR"}

func (b *ExecBuilder) Build(inv Invocation) (Command, error) {
	if inv.RepositoryRef == "" {
		return Command{}, fmt.Errorf("repository reference is empty")
	}

	scratch, err := os.MkdirTemp(b.ScratchRoot, "repolens-"+inv.CorrelationID.String()+"-")
	if err != nil {
		return Command{}, fmt.Errorf("create scratch dir: %w", err)
	}

	id := inv.CorrelationID.String()
	env := []string{
		EnvCorrelationID + "=" + id,
		EnvAnalysisID + "=" + id,
		EnvCallbackURL + "=" + inv.CallbackURL,
	}
	if inv.CallbackToken != "" {
		env = append(env, EnvCallbackToken+"="+inv.CallbackToken)
	}
	for _, name := range append(append([]string(nil), baseEnv...), b.PassEnv...) {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	args := append([]string(nil), b.ExtraArgs...)
	args = append(args, inv.RepositoryRef, scratch, b.PermittedList, strings.Join(b.Languages, ","))

	return Command{
		Path: b.Command,
		Args: args,
		Env:  env,
		Cleanup: func() {
			_ = os.RemoveAll(scratch)
		},
	}, nil
}
