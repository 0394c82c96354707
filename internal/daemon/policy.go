package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nacionmx/nacion/internal/domain"
)

// LoadPolicy reads the role policy from a YAML file. A missing file yields
// the default policy; unknown keys are rejected so typos do not silently
// unprotect a role.
func LoadPolicy(path string) (domain.RolePolicy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.RolePolicy{}.WithDefaults(), nil
	}
	if err != nil {
		return domain.RolePolicy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML role policy.
func ParsePolicy(data []byte) (domain.RolePolicy, error) {
	var p domain.RolePolicy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	for _, id := range p.ForceRemoveRoleIDs {
		if p.IsProtectedID(id) {
			return p, fmt.Errorf("role %s is both protected and force-removed", id)
		}
	}
	return p.WithDefaults(), nil
}
