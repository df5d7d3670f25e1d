// Package subscription manages the host's entitlement registration
// around a conversion. It decides, from the current registration state
// and the supplied credentials, whether to keep, create, or replace the
// registration, and verifies that entitled repositories are reachable
// before any package changes begin.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crossgrade/crossgrade/internal/backup"
	"github.com/crossgrade/crossgrade/internal/retry"
)

var (
	// ErrSystemNotRegistered: the host is unregistered and no
	// credentials were supplied, so no entitled content is reachable.
	ErrSystemNotRegistered = errors.New("system is not registered and no credentials were provided")

	// ErrNoEntitledRepos: registration exists but grants access to no
	// target repositories.
	ErrNoEntitledRepos = errors.New("no access to entitled target repositories")
)

// Credentials identify an entitlement account, either by username and
// password or by activation key and organization.
type Credentials struct {
	Username      string
	Password      string
	ActivationKey string
	Org           string
}

// Provided reports whether any usable credential pair was supplied.
func (c Credentials) Provided() bool {
	return (c.Username != "" && c.Password != "") || (c.ActivationKey != "" && c.Org != "")
}

// Client is the entitlement-service interface. Identity returns the
// empty string when the host is not registered.
type Client interface {
	Identity(ctx context.Context) (string, error)
	Register(ctx context.Context, creds Credentials) error
	Unregister(ctx context.Context) error
	AutoAttach(ctx context.Context) error
	EntitledRepos(ctx context.Context) ([]string, error)
}

// Outcome describes the registration state Ensure left the host in.
type Outcome struct {
	Identity string
	Repos    []string

	// PreRegistered is true when an existing registration was kept
	// untouched.
	PreRegistered bool

	// Registered is true when Ensure created or replaced the
	// registration during this run.
	Registered bool
}

// Manager drives the registration state machine.
type Manager struct {
	client Client
	policy retry.Policy
}

// NewManager returns a Manager using the given client and retry policy
// for register calls.
func NewManager(client Client, policy retry.Policy) *Manager {
	return &Manager{client: client, policy: policy}
}

// Ensure brings the host into a registered state with entitled-repo
// access, or fails:
//
//   - unregistered, no credentials: ErrSystemNotRegistered;
//   - unregistered, credentials: register, then auto-attach;
//   - registered, credentials: replace the registration with the
//     supplied account;
//   - registered, no credentials: keep the existing registration, its
//     identity unchanged; when it grants no repositories yet, attempt an
//     auto-attach before giving up.
//
// In every successful case the entitled repository list must be
// non-empty, otherwise ErrNoEntitledRepos.
func (m *Manager) Ensure(ctx context.Context, creds Credentials) (Outcome, error) {
	identity, err := m.client.Identity(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("query registration identity: %w", err)
	}
	registered := identity != ""

	var out Outcome
	switch {
	case !registered && !creds.Provided():
		return Outcome{}, ErrSystemNotRegistered

	case !registered:
		if err := m.register(ctx, creds); err != nil {
			return Outcome{}, err
		}
		out.Registered = true

	case creds.Provided():
		if err := m.client.Unregister(ctx); err != nil {
			return Outcome{}, fmt.Errorf("unregister before re-registration: %w", err)
		}
		if err := m.register(ctx, creds); err != nil {
			return Outcome{}, err
		}
		out.Registered = true

	default:
		out.PreRegistered = true
		out.Identity = identity
	}

	if out.Registered {
		if err := m.client.AutoAttach(ctx); err != nil {
			return Outcome{}, fmt.Errorf("auto-attach entitlements: %w", err)
		}
		out.Identity, err = m.client.Identity(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("query registration identity: %w", err)
		}
	}

	out.Repos, err = m.client.EntitledRepos(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list entitled repositories: %w", err)
	}
	if len(out.Repos) == 0 && out.PreRegistered {
		// A kept registration may simply have no subscription attached
		// yet. Attach an available one before concluding the host has no
		// entitled content.
		if err := m.client.AutoAttach(ctx); err != nil {
			return Outcome{}, fmt.Errorf("auto-attach entitlements: %w", err)
		}
		out.Repos, err = m.client.EntitledRepos(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("list entitled repositories: %w", err)
		}
	}
	if len(out.Repos) == 0 {
		return Outcome{}, ErrNoEntitledRepos
	}
	return out, nil
}

// register retries transient entitlement-service failures with the
// manager's backoff policy.
func (m *Manager) register(ctx context.Context, creds Credentials) error {
	_, err := m.policy.Execute(ctx, func() (string, error, retry.ErrorKind) {
		err := m.client.Register(ctx, creds)
		if err == nil {
			return "", nil, retry.Unknown
		}
		return "", err, retry.Classify(err, exitCode(err), err.Error())
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Restorer reverses registration records during rollback: a
// registration created by this run is torn down, a kept pre-existing
// registration is left alone.
type Restorer struct {
	Client Client
}

func (r Restorer) Restore(ctx context.Context, rec backup.Record) error {
	var payload backup.RegistrationPayload
	if err := decodePayload(rec.Payload, &payload); err != nil {
		return err
	}
	if payload.WasRegistered {
		return nil
	}
	identity, err := r.Client.Identity(ctx)
	if err != nil {
		return fmt.Errorf("query registration identity: %w", err)
	}
	if identity == "" {
		return nil
	}
	return r.Client.Unregister(ctx)
}

func decodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode registration payload: %w", err)
	}
	return nil
}
