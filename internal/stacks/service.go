package stacks

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"log/slog"

	"github.com/alvesdmateus/iac-sandbox/internal/domain"
	"github.com/alvesdmateus/iac-sandbox/internal/engine"
	"github.com/alvesdmateus/iac-sandbox/internal/state"
)

// Sentinel errors surfaced by the service.
var (
	ErrInvalidName      = errors.New("stacks: invalid stack name")
	ErrActiveDeployment = errors.New("stacks: stack has an active deployment")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Service is the stack catalog: listing, creation, removal and
// configuration, delegated to the engine workspace with the guards the
// deployment lifecycle requires.
type Service struct {
	workspace engine.Workspace
	store     *state.Store
	logger    *slog.Logger
}

// NewService wires a catalog service.
func NewService(workspace engine.Workspace, store *state.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{workspace: workspace, store: store, logger: logger}
}

func validName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// List returns every stack the workspace knows.
func (s *Service) List(ctx context.Context) ([]domain.StackSummary, error) {
	return s.workspace.ListStacks(ctx)
}

// Get returns one stack with config and outputs.
func (s *Service) Get(ctx context.Context, name string) (domain.StackDetail, error) {
	if err := validName(name); err != nil {
		return domain.StackDetail{}, err
	}
	return s.workspace.StackDetail(ctx, name)
}

// Create initializes a new stack and returns its detail.
func (s *Service) Create(ctx context.Context, name string) (domain.StackDetail, error) {
	if err := validName(name); err != nil {
		return domain.StackDetail{}, err
	}
	if err := s.workspace.CreateStack(ctx, name); err != nil {
		return domain.StackDetail{}, err
	}
	s.logger.Info("stack created", "stack_name", name)
	return s.workspace.StackDetail(ctx, name)
}

// Delete removes a stack. Stacks with a running deployment or remaining
// resources are refused.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if dep, busy := s.store.Active(name); busy {
		return fmt.Errorf("%w: deployment %s is %s", ErrActiveDeployment, dep.ID, dep.Status)
	}
	if err := s.workspace.RemoveStack(ctx, name); err != nil {
		return err
	}
	s.logger.Info("stack deleted", "stack_name", name)
	return nil
}

// Config returns the stack configuration.
func (s *Service) Config(ctx context.Context, name string) (map[string]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.workspace.Config(ctx, name)
}

// UpdateConfig merges values into the stack configuration and returns
// the resulting config.
func (s *Service) UpdateConfig(ctx context.Context, name string, config map[string]string) (map[string]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := s.workspace.SetConfig(ctx, name, config); err != nil {
			return nil, err
		}
		s.logger.Info("stack config updated", "stack_name", name, "keys", len(config))
	}
	return s.workspace.Config(ctx, name)
}

// Outputs returns the stack outputs.
func (s *Service) Outputs(ctx context.Context, name string) (map[string]any, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.workspace.Outputs(ctx, name)
}

// Resources lists the stack's provisioned resources.
func (s *Service) Resources(ctx context.Context, name string) ([]domain.Resource, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.workspace.Resources(ctx, name)
}
