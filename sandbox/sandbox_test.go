package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPrefersNamespaces(t *testing.T) {
	caps := Capabilities{Unshare: true, NetNamespaces: true, Firejail: true}
	argv, mode := Wrap(context.Background(), caps, []string{"/usr/bin/worker", "--socket", "/tmp/w.sock"})

	assert.Equal(t, ModeNamespace, mode)
	assert.Equal(t, "unshare", argv[0])
	assert.Contains(t, argv, "--net")
	assert.Contains(t, argv, "--mount")
	assert.Contains(t, argv, "--pid")
	assert.Contains(t, argv, "--fork")
	assert.Equal(t, "/usr/bin/worker", argv[len(argv)-3])
}

func TestWrapMapsRootUser(t *testing.T) {
	caps := Capabilities{Unshare: true, NetNamespaces: true, UserNamespaces: true}
	argv, mode := Wrap(context.Background(), caps, []string{"/usr/bin/worker"})

	assert.Equal(t, ModeNamespace, mode)
	assert.Contains(t, argv, "--map-root-user")
}

func TestWrapFallsBackToFirejail(t *testing.T) {
	caps := Capabilities{Firejail: true}
	argv, mode := Wrap(context.Background(), caps, []string{"/usr/bin/worker"})

	assert.Equal(t, ModeFirejail, mode)
	assert.Equal(t, "firejail", argv[0])
	assert.Contains(t, argv, "--caps.drop=all")
	assert.Contains(t, argv, "--net=none")
	assert.Equal(t, "/usr/bin/worker", argv[len(argv)-1])
}

func TestWrapUnshareWithoutNetnsUsesFirejail(t *testing.T) {
	// unshare without usable network namespaces is not enough isolation.
	caps := Capabilities{Unshare: true, Firejail: true}
	_, mode := Wrap(context.Background(), caps, []string{"/usr/bin/worker"})
	assert.Equal(t, ModeFirejail, mode)
}

func TestWrapDegradesToNone(t *testing.T) {
	argv, mode := Wrap(context.Background(), Capabilities{}, []string{"/usr/bin/worker", "-v"})

	assert.Equal(t, ModeNone, mode)
	assert.Equal(t, []string{"/usr/bin/worker", "-v"}, argv)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "namespace", ModeNamespace.String())
	assert.Equal(t, "firejail", ModeFirejail.String())
	assert.Equal(t, "none", ModeNone.String())
}

func TestProbeDoesNotPanic(t *testing.T) {
	// Host-dependent values; just exercise every probe path.
	_ = Probe(context.Background())
}
