package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerNameDerivation(t *testing.T) {
	cases := map[string]string{
		"svc_a":        "ca_svc_a",
		"My.Service!!": "ca_my.service",
		"--leading":    "ca_leading",
	}
	for in, want := range cases {
		assert.Equal(t, want, ContainerName(in), "ContainerName(%q)", in)
	}
}

func TestContainerNameIdempotent(t *testing.T) {
	n := ContainerName("svc_a")
	assert.Equal(t, n, ContainerName(n), "ContainerName should be idempotent")
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"4Gi": 4 * (1 << 30),
		"4G":  4 * 1e9,
		"512": 512,
		"":    0,
		"1Ki": 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, "ParseSize(%q)", in)
		assert.Equal(t, want, got, "ParseSize(%q)", in)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	_, err := ParseSize("4XY")
	assert.Error(t, err, "expected error for unknown suffix")
}

func TestParseMountBind(t *testing.T) {
	m, err := ParseMount("/host/data:/data:ro", "ca_svc")
	require.NoError(t, err)
	assert.Equal(t, "bind", m.Type)
	assert.Equal(t, "/host/data", m.Source)
	assert.Equal(t, "/data", m.Target)
	assert.True(t, m.ReadOnly)
}

func TestParseMountVolume(t *testing.T) {
	m, err := ParseMount("/data", "ca_svc")
	require.NoError(t, err)
	assert.Equal(t, "volume", m.Type)
	assert.Equal(t, "/data", m.Target)
	assert.Equal(t, VolumeNameForTarget("ca_svc", "/data"), m.Source)
}

func TestParseEnvironment(t *testing.T) {
	env := ParseEnvironment([]string{" FOO=bar ", "", "malformed", "BAZ=1=2"})
	assert.Equal(t, "bar", env["FOO"])
	assert.Equal(t, "1=2", env["BAZ"])
	_, ok := env["malformed"]
	assert.False(t, ok, "malformed line should be dropped")
}

func TestServiceConnectionsNeverNegative(t *testing.T) {
	s := NewService(ServiceConfig{Name: "svc", IdleTimeout: 60})
	s.BumpActivity()
	s.BumpActivity()
	s.ReleaseActivity()
	s.ReleaseActivity()
	assert.Zero(t, s.Connections())
}

func TestPeaksMonotonic(t *testing.T) {
	s := NewService(ServiceConfig{Name: "svc"})
	s.RAM = 100
	s.BumpPeaks()
	s.RAM = 50
	s.BumpPeaks()
	assert.Equal(t, int64(100), s.PeakRAM)
}
