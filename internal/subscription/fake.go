package subscription

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client for tests with injectable failures
// and call logs.
type FakeClient struct {
	mu sync.Mutex

	identity string
	repos    []string

	// NextIdentity is assigned on a successful Register.
	NextIdentity string

	RegisterErrs  []error // consumed one per Register call
	UnregisterErr error
	AttachErr     error
	ReposErr      error

	// AttachRepos, when set, becomes the entitled repository list after
	// a successful AutoAttach.
	AttachRepos []string

	RegisterCalls   int
	UnregisterCalls int
	AttachCalls     int
}

// NewFakeClient returns a FakeClient. A non-empty identity seeds a
// pre-registered host.
func NewFakeClient(identity string, repos ...string) *FakeClient {
	return &FakeClient{identity: identity, repos: repos, NextIdentity: "fake-identity"}
}

func (f *FakeClient) Identity(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, nil
}

func (f *FakeClient) Register(context.Context, Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisterCalls++
	if len(f.RegisterErrs) > 0 {
		err := f.RegisterErrs[0]
		f.RegisterErrs = f.RegisterErrs[1:]
		if err != nil {
			return err
		}
	}
	f.identity = f.NextIdentity
	return nil
}

func (f *FakeClient) Unregister(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnregisterCalls++
	if f.UnregisterErr != nil {
		return f.UnregisterErr
	}
	f.identity = ""
	return nil
}

func (f *FakeClient) AutoAttach(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AttachCalls++
	if f.AttachErr != nil {
		return f.AttachErr
	}
	if f.AttachRepos != nil {
		f.repos = append([]string(nil), f.AttachRepos...)
	}
	return nil
}

func (f *FakeClient) EntitledRepos(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReposErr != nil {
		return nil, f.ReposErr
	}
	return append([]string(nil), f.repos...), nil
}

// SetRepos replaces the entitled repository list.
func (f *FakeClient) SetRepos(repos ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = repos
}

// Registered reports whether the fake currently holds a registration.
func (f *FakeClient) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity != ""
}
