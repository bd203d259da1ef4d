package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Registry pushes locally built images to a distribution target.
type Registry interface {
	// Push tags the local image as remoteRef and uploads it. The remote
	// reference is deterministic per deployment, so repeated pushes
	// overwrite instead of accumulating orphaned versions.
	Push(ctx context.Context, localTag, remoteRef string) error
	// Remove deletes the remote tag. Best-effort cleanup for deletions.
	Remove(ctx context.Context, remoteRef string) error
}

// DaemonRegistry reads images from the local container daemon and talks to
// the remote registry directly, no docker-cli push round trip.
type DaemonRegistry struct {
	keychain authn.Keychain
	insecure bool
}

func NewDaemonRegistry(insecure bool) *DaemonRegistry {
	return &DaemonRegistry{
		keychain: authn.DefaultKeychain,
		insecure: insecure,
	}
}

func (r *DaemonRegistry) Push(ctx context.Context, localTag, remoteRef string) error {
	localName, err := name.NewTag(strings.TrimSpace(localTag))
	if err != nil {
		return fmt.Errorf("parse local tag: %w", err)
	}
	remoteName, err := r.parseRef(remoteRef)
	if err != nil {
		return err
	}

	img, err := daemon.Image(localName, daemon.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("read image from daemon: %w", err)
	}
	if err := remote.Write(remoteName, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain)); err != nil {
		return fmt.Errorf("push %s: %w", remoteRef, err)
	}
	return nil
}

func (r *DaemonRegistry) Remove(ctx context.Context, remoteRef string) error {
	remoteName, err := r.parseRef(remoteRef)
	if err != nil {
		return err
	}
	if err := remote.Delete(remoteName, remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain)); err != nil {
		return fmt.Errorf("delete %s: %w", remoteRef, err)
	}
	return nil
}

func (r *DaemonRegistry) parseRef(ref string) (name.Tag, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return name.Tag{}, errors.New("remote ref is required")
	}
	var opts []name.Option
	if r.insecure {
		opts = append(opts, name.Insecure)
	}
	tag, err := name.NewTag(ref, opts...)
	if err != nil {
		return name.Tag{}, fmt.Errorf("parse remote ref: %w", err)
	}
	return tag, nil
}
