// Package lifecycle defines the connector's lifecycle states and keeps a
// bounded record of the transitions between them.
package lifecycle

import "fmt"

// State is the coordinator's position in the token/announce cycle.
type State int

const (
	// Boot is held until the first tick completes.
	Boot State = iota
	// Success means a valid token is held; announcement has not run yet.
	Success
	// Sleep means the announcement request completed, whatever its status code.
	Sleep
	// Crashed means a configuration error, protocol violation or announce
	// transport failure ended the tick.
	Crashed
	// Retry means the token endpoint could not be reached.
	Retry
)

var stateNames = map[State]string{
	Boot:    "boot",
	Success: "success",
	Sleep:   "sleep",
	Crashed: "crashed",
	Retry:   "retry",
}

// String returns the wire name of the state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CanAnnounce reports whether an announcement may follow this state
func (s State) CanAnnounce() bool {
	return s == Success || s == Sleep
}

// MarshalText encodes the state as its wire name
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown lifecycle state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a wire name
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parse converts a wire name back into a State
func Parse(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return Boot, fmt.Errorf("unknown lifecycle state %q", name)
}
