package rbac

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRole is assigned to self-registered users.
const DefaultRole = "board_member"

type SeedRole struct {
	Name        string `yaml:"name"`
	Permissions `yaml:",inline"`
}

type seedFile struct {
	Roles []SeedRole `yaml:"roles"`
}

// DefaultSeed is used when no roles file is configured or present.
func DefaultSeed() []SeedRole {
	return []SeedRole{
		{Name: "admin", Permissions: Permissions{View: true, Add: true, Update: true, Archive: true}},
		{Name: DefaultRole, Permissions: Permissions{View: true}},
	}
}

// LoadSeed reads role definitions from a YAML file.
func LoadSeed(path string) ([]SeedRole, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSeed(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSeed(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) ([]SeedRole, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	seen := make(map[string]bool, len(file.Roles))
	for i, role := range file.Roles {
		name := strings.TrimSpace(role.Name)
		if name == "" {
			return nil, fmt.Errorf("roles[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("roles[%d]: duplicate role %q", i, name)
		}
		seen[name] = true
		file.Roles[i].Name = name
	}
	if !seen[DefaultRole] {
		return nil, fmt.Errorf("roles file must define %q", DefaultRole)
	}
	return file.Roles, nil
}
