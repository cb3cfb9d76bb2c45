/*
Package authz provides role-based access control for the payout API.

PURPOSE:
  Wraps a casbin enforcer with the roles and objects of the comp domain.
  Every state-changing API operation is authorized before it reaches the
  engine: a rep can read their own payouts, comp ops can calculate and
  review, finance approves and finalizes, admin does everything.

ROLES:
  rep       read access to payouts and attributions
  comp_ops  data entry, run creation, calculation, review, adjustments
  finance   approval, finalization, clawback waivers, settlements
  admin     all of the above plus plan configuration

MODES:
  enforce   deny requests that fail the policy check
  shadow    log denials but allow the request (rollout mode)
  disabled  skip policy checks entirely

POLICY SOURCE:
  The RBAC model is embedded. Policies come from a CSV file when a path
  is configured, otherwise DefaultPolicies seeds the enforcer in-memory.

USAGE:
  svc, err := authz.NewService(authz.Config{Mode: authz.ModeEnforce, Logger: log})
  ...
  if err := svc.Authorize(ctx, authz.NewRequest("role:comp_ops", "runs", "calculate")); err != nil {
      // 403
  }
*/
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/sirupsen/logrus"
)

// Mode represents the global enforcement mode.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeShadow   Mode = "shadow"
	ModeEnforce  Mode = "enforce"
)

// ErrForbidden is returned for denied requests in enforce mode.
var ErrForbidden = errors.New("permission denied")

// rbacModel is a standard RBAC model with role inheritance.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*") && (r.act == p.act || p.act == "*")
`

// Request encapsulates the parameters of one authorization check.
type Request struct {
	Subject string // "role:comp_ops" or "user:<id>"
	Object  string // "runs", "plans", "deals", "adjustments", "clawbacks", "settlements", "payouts"
	Action  string // "read", "write", "calculate", "transition", "approve", "waive"
}

// NewRequest constructs a Request.
func NewRequest(subject, object, action string) Request {
	return Request{Subject: subject, Object: object, Action: action}
}

// SubjectForRole returns the canonical identifier for a role subject.
func SubjectForRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if strings.HasPrefix(role, "role:") {
		return role
	}
	return "role:" + role
}

// Config configures a Service.
type Config struct {
	Mode Mode
	// PolicyPath is an optional casbin CSV policy file. When empty,
	// DefaultPolicies is loaded instead.
	PolicyPath string
	Logger     *logrus.Logger
}

// DefaultPolicies is the built-in policy table: [subject, object, action].
var DefaultPolicies = [][]string{
	{"role:rep", "payouts", "read"},
	{"role:rep", "runs", "read"},
	{"role:comp_ops", "payouts", "read"},
	{"role:comp_ops", "runs", "read"},
	{"role:comp_ops", "runs", "write"},
	{"role:comp_ops", "runs", "calculate"},
	{"role:comp_ops", "runs", "transition"},
	{"role:comp_ops", "deals", "read"},
	{"role:comp_ops", "deals", "write"},
	{"role:comp_ops", "plans", "read"},
	{"role:comp_ops", "plans", "write"},
	{"role:comp_ops", "employees", "read"},
	{"role:comp_ops", "employees", "write"},
	{"role:comp_ops", "facts", "write"},
	{"role:comp_ops", "adjustments", "read"},
	{"role:comp_ops", "adjustments", "write"},
	{"role:comp_ops", "clawbacks", "read"},
	{"role:finance", "runs", "approve"},
	{"role:finance", "adjustments", "approve"},
	{"role:finance", "clawbacks", "waive"},
	{"role:finance", "clawbacks", "write"},
	{"role:finance", "settlements", "read"},
	{"role:finance", "settlements", "write"},
	{"role:finance", "settlements", "approve"},
	{"role:finance", "audit", "read"},
	{"role:admin", "*", "*"},
}

// defaultGrouping gives each role its subordinates' grants.
var defaultGrouping = [][]string{
	{"role:comp_ops", "role:rep"},
	{"role:finance", "role:comp_ops"},
	{"role:admin", "role:finance"},
}

// Service provides helpers for enforcing authorization decisions.
type Service struct {
	mode       Mode
	enforcer   *casbin.Enforcer
	logger     *logrus.Entry
	fileBacked bool
	mu         sync.RWMutex
}

// NewService constructs a Service with the provided config.
func NewService(cfg Config) (*Service, error) {
	var logger *logrus.Entry
	if cfg.Logger != nil {
		logger = cfg.Logger.WithField("component", "authz")
	} else {
		logger = logrus.WithField("component", "authz")
	}

	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: invalid model: %w", err)
	}

	var enf *casbin.Enforcer
	if cfg.PolicyPath != "" {
		enf, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
		if err != nil {
			return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
		}
		if err := enf.LoadPolicy(); err != nil {
			return nil, fmt.Errorf("authz: failed to load policies: %w", err)
		}
	} else {
		enf, err = casbin.NewEnforcer(m)
		if err != nil {
			return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
		}
		for _, p := range DefaultPolicies {
			if _, err := enf.AddPolicy(p[0], p[1], p[2]); err != nil {
				return nil, fmt.Errorf("authz: failed to seed policy: %w", err)
			}
		}
		for _, g := range defaultGrouping {
			if _, err := enf.AddGroupingPolicy(g[0], g[1]); err != nil {
				return nil, fmt.Errorf("authz: failed to seed role hierarchy: %w", err)
			}
		}
	}

	return &Service{
		mode:       sanitizeMode(cfg.Mode),
		enforcer:   enf,
		logger:     logger,
		fileBacked: cfg.PolicyPath != "",
	}, nil
}

// Authorize returns an error if the request is denied.
func (s *Service) Authorize(ctx context.Context, req Request) error {
	switch s.mode {
	case ModeDisabled:
		return nil
	case ModeEnforce:
		allowed, err := s.Check(ctx, req)
		if err != nil {
			return err
		}
		if !allowed {
			s.denyLog(ctx, req).Warn("authz denied request")
			return fmt.Errorf("%w: %s %s %s", ErrForbidden, req.Subject, req.Action, req.Object)
		}
		return nil
	default: // shadow
		allowed, err := s.Check(ctx, req)
		if err != nil {
			return err
		}
		if !allowed {
			s.denyLog(ctx, req).Warn("authz shadow deny")
		}
		return nil
	}
}

// Check evaluates a request without returning an authorization error.
func (s *Service) Check(_ context.Context, req Request) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.enforcer.Enforce(req.Subject, req.Object, req.Action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce failed: %w", err)
	}
	return res, nil
}

// ReloadPolicy reloads policy data from disk. No-op for the built-in table.
func (s *Service) ReloadPolicy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fileBacked {
		return nil
	}
	if err := s.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("authz: reload policy failed: %w", err)
	}
	s.logger.WithContext(ctx).Info("authz policy reloaded")
	return nil
}

func (s *Service) denyLog(ctx context.Context, req Request) *logrus.Entry {
	return s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"subject": req.Subject,
		"object":  req.Object,
		"action":  req.Action,
		"mode":    s.mode,
	})
}

func sanitizeMode(mode Mode) Mode {
	switch strings.ToLower(string(mode)) {
	case string(ModeDisabled):
		return ModeDisabled
	case string(ModeEnforce):
		return ModeEnforce
	default:
		return ModeShadow
	}
}
