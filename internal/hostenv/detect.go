// Package hostenv inspects the machine the connector runs on.
package hostenv

import (
	"os"
	"strings"
)

const (
	dockerEnvPath = "/.dockerenv"
	cgroupPath    = "/proc/self/cgroup"
)

// Detector reports whether the process runs inside a container
type Detector struct {
	DockerEnvPath string
	CgroupPath    string
}

// NewDetector checks the standard locations
func NewDetector() *Detector {
	return &Detector{DockerEnvPath: dockerEnvPath, CgroupPath: cgroupPath}
}

// Containerized is true when the docker marker file exists or the cgroup
// hierarchy mentions docker. Unreadable files count as "not containerized".
func (d *Detector) Containerized() bool {
	if d.DockerEnvPath != "" {
		if _, err := os.Stat(d.DockerEnvPath); err == nil {
			return true
		}
	}
	if d.CgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(d.CgroupPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "docker")
}
