package access

import (
	"context"
	"fmt"
	"log/slog"
)

// Request asks whether a principal may perform an action on a capability,
// optionally inside a feature and a module.
type Request struct {
	PrincipalID int64  `json:"principal_id" validate:"required,gt=0"`
	Capability  string `json:"capability" validate:"required"`
	Action      Action `json:"action" validate:"required,oneof=create read update delete"`
	Feature     string `json:"feature,omitempty"`
	Module      string `json:"module,omitempty"`
}

// DecisionRecorder receives the outcome of every check.
type DecisionRecorder interface {
	RecordDecision(check string, outcome string)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for decision tracing.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder attaches a decision recorder.
func WithRecorder(recorder DecisionRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithSourceLoader replaces the default loader, typically with a Cache.
func WithSourceLoader(loader SourceLoader) ServiceOption {
	return func(s *Service) {
		if loader != nil {
			s.loader = loader
		}
	}
}

// Service resolves effective permissions and evaluates the feature and module gates.
type Service struct {
	store    Store
	loader   SourceLoader
	logger   *slog.Logger
	recorder DecisionRecorder
}

// NewService constructs a Service reading from store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		loader: NewLoader(store),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sources returns the raw grant sources of a principal.
func (s *Service) Sources(ctx context.Context, principalID int64) (Sources, error) {
	return s.loader.Load(ctx, principalID)
}

// Effective returns the merged permission set of a principal.
func (s *Service) Effective(ctx context.Context, principalID int64) (Permissions, error) {
	src, err := s.loader.Load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return Merge(src), nil
}

// Can reports whether the principal may perform action on capability.
func (s *Service) Can(ctx context.Context, principalID int64, capability string, action Action) (bool, error) {
	d, err := s.Decide(ctx, Request{PrincipalID: principalID, Capability: capability, Action: action})
	if err != nil {
		return false, err
	}
	return d.Allowed(), nil
}

// Decide runs the full pipeline: load sources, merge, module gate, then
// feature gate. The gates can only narrow a capability grant.
func (s *Service) Decide(ctx context.Context, req Request) (Decision, error) {
	src, err := s.loader.Load(ctx, req.PrincipalID)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.decide(ctx, req, src)
	if err != nil {
		return Decision{}, err
	}
	s.record("capability", req.PrincipalID, d, slog.String("capability", req.Capability), slog.String("action", string(req.Action)))
	return d, nil
}

func (s *Service) decide(ctx context.Context, req Request, src Sources) (Decision, error) {
	if !src.Resolved {
		return unresolvable("principal not found or inactive"), nil
	}
	d := decideCapability(Merge(src), req.Capability, req.Action)
	if !d.Allowed() {
		return d, nil
	}
	if normalizeCode(req.Module) != "" {
		md, err := s.moduleDecision(ctx, req.Module, src)
		if err != nil {
			return Decision{}, err
		}
		if !md.Allowed() {
			return md, nil
		}
	}
	if normalizeCode(req.Feature) != "" {
		fd, err := s.featureDecision(ctx, req.Feature, src)
		if err != nil {
			return Decision{}, err
		}
		if !fd.Allowed() {
			return fd, nil
		}
	}
	return d, nil
}

// Feature evaluates the feature visibility gate for a principal.
func (s *Service) Feature(ctx context.Context, principalID int64, code string) (Decision, error) {
	src, err := s.loader.Load(ctx, principalID)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.featureDecision(ctx, code, src)
	if err != nil {
		return Decision{}, err
	}
	s.record("feature", principalID, d, slog.String("feature", code))
	return d, nil
}

// Module evaluates the module access gate for a principal.
func (s *Service) Module(ctx context.Context, principalID int64, key string) (Decision, error) {
	src, err := s.loader.Load(ctx, principalID)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.moduleDecision(ctx, key, src)
	if err != nil {
		return Decision{}, err
	}
	s.record("module", principalID, d, slog.String("module", key))
	return d, nil
}

func (s *Service) featureDecision(ctx context.Context, code string, src Sources) (Decision, error) {
	feature, found, err := s.store.Feature(ctx, normalizeCode(code))
	if err != nil {
		return Decision{}, fmt.Errorf("access: load feature %s: %w", code, err)
	}
	return EvaluateFeature(feature, found, src), nil
}

func (s *Service) moduleDecision(ctx context.Context, key string, src Sources) (Decision, error) {
	module, found, err := s.store.Module(ctx, normalizeCode(key))
	if err != nil {
		return Decision{}, fmt.Errorf("access: load module %s: %w", key, err)
	}
	return EvaluateModule(module, found, src), nil
}

func (s *Service) record(check string, principalID int64, d Decision, attrs ...slog.Attr) {
	if s.recorder != nil {
		s.recorder.RecordDecision(check, string(d.Outcome))
	}
	args := []any{
		slog.String("check", check),
		slog.Int64("principal_id", principalID),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", d.Reason),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	s.logger.Debug("access decision", args...)
}
