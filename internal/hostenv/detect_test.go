package hostenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_Containerized(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name     string
		detector Detector
		want     bool
	}{
		{"docker marker", Detector{DockerEnvPath: write(".dockerenv", ""), CgroupPath: missing}, true},
		{"docker cgroup", Detector{DockerEnvPath: missing, CgroupPath: write("cgroup-docker", "12:pids:/docker/4f3c2a\n")}, true},
		{"plain host", Detector{DockerEnvPath: missing, CgroupPath: write("cgroup-host", "0::/user.slice/user-1000.slice\n")}, false},
		{"nothing readable", Detector{DockerEnvPath: missing, CgroupPath: missing}, false},
		{"no paths", Detector{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.detector.Containerized())
		})
	}
}

func TestNewDetector(t *testing.T) {
	d := NewDetector()
	assert.Equal(t, "/.dockerenv", d.DockerEnvPath)
	assert.Equal(t, "/proc/self/cgroup", d.CgroupPath)
}
