package publish

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/serveml-labs/serveml-go/internal/build"
)

type fakeRegistry struct {
	pushErr   error
	removeErr error
	pushed    []string
	removed   []string
}

func (r *fakeRegistry) Push(ctx context.Context, localRef, remoteRef string) error {
	if r.pushErr != nil {
		return r.pushErr
	}
	r.pushed = append(r.pushed, localRef+" -> "+remoteRef)
	return nil
}

func (r *fakeRegistry) Remove(ctx context.Context, remoteRef string) error {
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, remoteRef)
	return nil
}

type fakeServing struct {
	address     string
	provisionErr error
	teardownErr  error
	provisioned []ServingSpec
	tornDown    []string
}

func (s *fakeServing) Provision(ctx context.Context, spec ServingSpec) (string, error) {
	if s.provisionErr != nil {
		return "", s.provisionErr
	}
	s.provisioned = append(s.provisioned, spec)
	return s.address, nil
}

func (s *fakeServing) Teardown(ctx context.Context, deploymentID string) error {
	s.tornDown = append(s.tornDown, deploymentID)
	return s.teardownErr
}

func testPublisher(t *testing.T, registry Registry, serving ServingPlatform) *Publisher {
	t.Helper()
	p, err := NewPublisher(nil, Config{
		RegistryRepo:    "localhost:5000/serveml-models",
		ServingMemory:   "1g",
		ConfirmTimeout:  time.Second,
		ConfirmInterval: 10 * time.Millisecond,
	}, registry, serving)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublishHappyPath(t *testing.T) {
	srv := healthServer(t, http.StatusOK)
	registry := &fakeRegistry{}
	serving := &fakeServing{address: srv.URL}
	p := testPublisher(t, registry, serving)

	address, err := p.Publish(context.Background(), build.Reference{ImageTag: "serveml-dep-1:latest"}, "dep-1")
	if err != nil {
		t.Fatal(err)
	}
	if address != srv.URL {
		t.Errorf("address = %q, want %q", address, srv.URL)
	}
	if len(registry.pushed) != 1 || !strings.Contains(registry.pushed[0], "localhost:5000/serveml-models:dep-1") {
		t.Errorf("pushed = %v", registry.pushed)
	}
	if len(serving.provisioned) != 1 || serving.provisioned[0].ImageRef != "localhost:5000/serveml-models:dep-1" {
		t.Errorf("provisioned = %+v", serving.provisioned)
	}
}

func TestPublishReportsFailedStep(t *testing.T) {
	srv := healthServer(t, http.StatusOK)

	cases := []struct {
		name     string
		registry *fakeRegistry
		serving  *fakeServing
		wantStep string
	}{
		{
			name:     "push failure",
			registry: &fakeRegistry{pushErr: errors.New("registry unreachable")},
			serving:  &fakeServing{address: srv.URL},
			wantStep: StepPush,
		},
		{
			name:     "provision failure",
			registry: &fakeRegistry{},
			serving:  &fakeServing{provisionErr: errors.New("no capacity")},
			wantStep: StepProvision,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPublisher(t, tc.registry, tc.serving)
			_, err := p.Publish(context.Background(), build.Reference{ImageTag: "t:latest"}, "dep-1")
			var pubErr *Error
			if !errors.As(err, &pubErr) {
				t.Fatalf("error %v does not carry a step", err)
			}
			if pubErr.Step != tc.wantStep {
				t.Errorf("step = %q, want %q", pubErr.Step, tc.wantStep)
			}
		})
	}
}

func TestPublishConfirmTimesOutOnUnhealthyTarget(t *testing.T) {
	srv := healthServer(t, http.StatusServiceUnavailable)
	p := testPublisher(t, &fakeRegistry{}, &fakeServing{address: srv.URL})

	_, err := p.Publish(context.Background(), build.Reference{ImageTag: "t:latest"}, "dep-1")
	var pubErr *Error
	if !errors.As(err, &pubErr) || pubErr.Step != StepConfirm {
		t.Fatalf("expected confirm step failure, got %v", err)
	}
}

func TestPublishConfirmWaitsForReadiness(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p := testPublisher(t, &fakeRegistry{}, &fakeServing{address: srv.URL})
	if _, err := p.Publish(context.Background(), build.Reference{ImageTag: "t:latest"}, "dep-1"); err != nil {
		t.Fatalf("confirm should succeed once the target answers: %v", err)
	}
	if calls < 3 {
		t.Errorf("confirm polled %d times, want at least 3", calls)
	}
}

func TestPublishRejectsEmptyReference(t *testing.T) {
	p := testPublisher(t, &fakeRegistry{}, &fakeServing{})
	_, err := p.Publish(context.Background(), build.Reference{}, "dep-1")
	if err == nil {
		t.Fatal("expected empty reference to be rejected")
	}
}

func TestTeardownJoinsPartialFailures(t *testing.T) {
	registry := &fakeRegistry{removeErr: errors.New("tag gone")}
	serving := &fakeServing{}
	p := testPublisher(t, registry, serving)

	err := p.Teardown(context.Background(), "dep-1")
	if err == nil {
		t.Fatal("expected joined teardown error")
	}
	if len(serving.tornDown) != 1 {
		t.Error("serving teardown must still be attempted")
	}
	if !strings.Contains(err.Error(), "registry cleanup") {
		t.Errorf("error = %v", err)
	}
}

func TestRemoteRefDeterministic(t *testing.T) {
	p := testPublisher(t, &fakeRegistry{}, &fakeServing{})
	if p.RemoteRef("dep-1") != "localhost:5000/serveml-models:dep-1" {
		t.Errorf("remote ref = %q", p.RemoteRef("dep-1"))
	}
}
