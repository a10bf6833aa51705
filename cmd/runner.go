package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/auth"
	"github.com/ferncliff/spotbridge/internal/hsm"
	"github.com/ferncliff/spotbridge/internal/ratelimit"
	"github.com/ferncliff/spotbridge/internal/scope"
	"github.com/ferncliff/spotbridge/internal/services"
	"github.com/ferncliff/spotbridge/internal/shared"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config    *shared.Config
	manager   *auth.Manager
	custodian *hsm.Custodian
	governor  *ratelimit.Governor
	scopes    *scope.Manager
	spotify   *services.SpotifyService
	db        *sql.DB
	logger    *log.Logger
	output    io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config    *shared.Config
	Manager   *auth.Manager
	Custodian *hsm.Custodian
	Governor  *ratelimit.Governor
	Scopes    *scope.Manager
	Spotify   *services.SpotifyService
	DB        *sql.DB
	Logger    *log.Logger
	Output    io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config:    opts.Config,
		manager:   opts.Manager,
		custodian: opts.Custodian,
		governor:  opts.Governor,
		scopes:    opts.Scopes,
		spotify:   opts.Spotify,
		db:        opts.DB,
		logger:    opts.Logger,
		output:    opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, serveCommand, authCommand, keysCommand, limitsCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// requireAuth returns an error when the runner was built without credentials.
func (r *Runner) requireAuth() error {
	if r.manager == nil {
		return fmt.Errorf("%w: Spotify client_id and client_secret must be set in config.toml", shared.ErrMissingConfig)
	}
	return nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
