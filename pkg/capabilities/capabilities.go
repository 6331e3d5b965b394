package capabilities

import (
	"fmt"
	"strings"

	"github.com/moby/sys/capability"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// knownCaps maps spec capability names (CAP_SYS_ADMIN form) to kernel
// capability numbers, built once from what this kernel knows about.
var knownCaps = func() map[string]capability.Cap {
	out := make(map[string]capability.Cap)
	for _, c := range capability.ListKnown() {
		out["CAP_"+strings.ToUpper(c.String())] = c
	}
	return out
}()

// UnknownCapabilityError reports a capability name not known to this kernel.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

func resolve(names []string) ([]capability.Cap, error) {
	caps := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := knownCaps[name]
		if !ok {
			return nil, &UnknownCapabilityError{Name: name}
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Validate checks that every name resolves and that no capability appears in
// a set without also being in the bounding set. A capability outside
// bounding can never be acquired, so such a spec is a configuration error,
// not something to discover at apply time.
func Validate(s *specs.LinuxCapabilities) error {
	if s == nil {
		return nil
	}
	bounding := make(map[string]bool, len(s.Bounding))
	for _, name := range s.Bounding {
		if _, ok := knownCaps[name]; !ok {
			return &UnknownCapabilityError{Name: name}
		}
		bounding[name] = true
	}
	for setName, set := range map[string][]string{
		"effective":   s.Effective,
		"permitted":   s.Permitted,
		"inheritable": s.Inheritable,
		"ambient":     s.Ambient,
	} {
		for _, name := range set {
			if _, ok := knownCaps[name]; !ok {
				return &UnknownCapabilityError{Name: name}
			}
			if !bounding[name] {
				return fmt.Errorf("capability %s in %s set but not in bounding set", name, setName)
			}
		}
	}
	return nil
}

// Apply drops the current process to exactly the five requested sets. This
// is the last isolation step before seccomp installation: everything that
// needed privileges (mounts, pivot, uid maps) has already happened.
func Apply(s *specs.LinuxCapabilities) error {
	if s == nil {
		return nil
	}
	if err := Validate(s); err != nil {
		return err
	}

	pid, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("failed to open capability sets: %w", err)
	}

	for _, target := range []struct {
		kind  capability.CapType
		names []string
	}{
		{capability.BOUNDING, s.Bounding},
		{capability.EFFECTIVE, s.Effective},
		{capability.PERMITTED, s.Permitted},
		{capability.INHERITABLE, s.Inheritable},
		{capability.AMBIENT, s.Ambient},
	} {
		caps, err := resolve(target.names)
		if err != nil {
			return err
		}
		pid.Clear(target.kind)
		pid.Set(target.kind, caps...)
	}

	if err := pid.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("failed to apply capability sets: %w", err)
	}
	return nil
}
