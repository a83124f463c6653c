package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/partsbay/partsbay/internal/access"
)

// Resolver is the part of access.Service the CLI needs.
type Resolver interface {
	Decide(ctx context.Context, req access.Request) (access.Decision, error)
	Effective(ctx context.Context, principalID int64) (access.Permissions, error)
}

// AccessCLI runs access checks from the command line.
type AccessCLI struct {
	resolver Resolver
}

// NewAccessCLI wires the CLI to a resolver.
func NewAccessCLI(resolver Resolver) (*AccessCLI, error) {
	if resolver == nil {
		return nil, errors.New("access cli: resolver required")
	}
	return &AccessCLI{resolver: resolver}, nil
}

// CheckOptions defines available flags for the check command.
type CheckOptions struct {
	PrincipalID int64
	Capability  string
	Action      string
	Module      string
	Feature     string
	// ListEffective prints the merged permission set instead of a single decision.
	ListEffective bool
	JSONOutput    bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// CheckSummary is the JSON output of a single check.
type CheckSummary struct {
	Allowed  bool            `json:"allowed"`
	Decision access.Decision `json:"decision"`
}

// CheckCommand evaluates one request. It exits 0 when allowed, 10 when denied
// or unresolvable, and 1 on usage or storage errors.
func (c *AccessCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.PrincipalID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "access check: --principal is required and must be positive")
		return 1
	}
	if opts.ListEffective {
		return c.effective(ctx, opts)
	}
	if opts.Capability == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "access check: --capability is required")
		return 1
	}
	action, err := access.ParseAction(opts.Action)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "access check: invalid action %q (expected create, read, update or delete)\n", opts.Action)
		return 1
	}
	decision, err := c.resolver.Decide(ctx, access.Request{
		PrincipalID: opts.PrincipalID,
		Capability:  opts.Capability,
		Action:      action,
		Module:      opts.Module,
		Feature:     opts.Feature,
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "access check: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(CheckSummary{Allowed: decision.Allowed(), Decision: decision}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "access check: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "%s: %s", decision.Outcome, decision.Reason)
		if decision.Source != "" {
			_, _ = fmt.Fprintf(opts.Stdout, " (source %s)", decision.Source)
		}
		_, _ = fmt.Fprintln(opts.Stdout)
	}
	if !decision.Allowed() {
		return 10
	}
	return 0
}

func (c *AccessCLI) effective(ctx context.Context, opts CheckOptions) int {
	perms, err := c.resolver.Effective(ctx, opts.PrincipalID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "access check: %v\n", err)
		return 1
	}
	list := perms.List()
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(list); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "access check: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CAPABILITY\tSOURCE\tC\tR\tU\tD")
	for _, perm := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", perm.CapabilityCode, perm.Source,
			mark(perm.Allows(access.ActionCreate)), mark(perm.Allows(access.ActionRead)),
			mark(perm.Allows(access.ActionUpdate)), mark(perm.Allows(access.ActionDelete)))
	}
	_ = tw.Flush()
	return 0
}

func mark(ok bool) string {
	if ok {
		return "y"
	}
	return "-"
}
