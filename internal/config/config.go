package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllPermissions in a role's permission list grants the whole catalog.
const AllPermissions = "*"

// Config models taskline.yml.
type Config struct {
	RBAC struct {
		Permissions []string            `yaml:"permissions"`
		Roles       map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	TaskStatuses []TaskStatusConfig `yaml:"task_statuses"`
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
	Repair       RepairConfig       `yaml:"repair"`
	Links        struct {
		TaskPath string `yaml:"task_path"`
	} `yaml:"links"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

type TaskStatusConfig struct {
	Name       string `yaml:"name"`
	Color      string `yaml:"color"`
	Default    bool   `yaml:"default"`
	Final      bool   `yaml:"final"`
	Blocking   bool   `yaml:"blocking"`
	OrderIndex int    `yaml:"order_index"`
	Inactive   bool   `yaml:"inactive"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type ServerConfig struct {
	Addr                  string `yaml:"addr"`
	BasePath              string `yaml:"base_path"`
	JWTSecret             string `yaml:"jwt_secret"`
	AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
}

type RepairConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Load reads and validates config from workspace, falling back to defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	known := make(map[string]struct{}, len(c.RBAC.Permissions))
	for _, key := range c.RBAC.Permissions {
		if err := validatePermissionKey(key); err != nil {
			return err
		}
		if _, dup := known[key]; dup {
			return fmt.Errorf("config.rbac.permissions lists %s twice", key)
		}
		known[key] = struct{}{}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
	}
	for roleName, role := range c.RBAC.Roles {
		if strings.TrimSpace(roleName) == "" {
			return fmt.Errorf("config.rbac.roles contains empty role name")
		}
		for _, perm := range role.Permissions {
			if perm == AllPermissions {
				continue
			}
			if perm == "" {
				return fmt.Errorf("role %s has empty permission key", roleName)
			}
			if _, ok := known[perm]; !ok {
				return fmt.Errorf("role %s references unknown permission %s", roleName, perm)
			}
		}
	}
	names := map[string]struct{}{}
	defaults := 0
	for _, st := range c.TaskStatuses {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return fmt.Errorf("config.task_statuses contains empty name")
		}
		if _, dup := names[strings.ToLower(name)]; dup {
			return fmt.Errorf("task status %s defined twice", name)
		}
		names[strings.ToLower(name)] = struct{}{}
		if st.Final && st.Blocking {
			return fmt.Errorf("task status %s cannot be both final and blocking", name)
		}
		if st.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("config.task_statuses has %d defaults; at most one allowed", defaults)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

func validatePermissionKey(key string) error {
	if key == "" {
		return fmt.Errorf("config.rbac.permissions contains empty key")
	}
	module, action, ok := strings.Cut(key, ".")
	if !ok || module == "" || action == "" {
		return fmt.Errorf("permission %s must be a dotted module.action key", key)
	}
	return nil
}

// RolePermissions expands the wildcard for a role against the catalog.
func (c *Config) RolePermissions(roleName string) []string {
	role, ok := c.RBAC.Roles[roleName]
	if !ok {
		return nil
	}
	for _, p := range role.Permissions {
		if p == AllPermissions {
			return append([]string(nil), c.RBAC.Permissions...)
		}
	}
	return role.Permissions
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct. It panics if the embedded
// template does not decode or validate.
func Default() *Config {
	cfg, err := decodeTemplate(defaultTemplate)
	if err != nil {
		panic("config: default template: " + err.Error())
	}
	return cfg
}

func decodeTemplate(tmpl string) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(tmpl)).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `rbac:
  permissions:
    - user.create
    - user.read
    - user.update
    - user.delete
    - user.assign_role
    - user.activate
    - user.deactivate
    - team.create
    - team.read
    - team.update
    - team.delete
    - team.add_member
    - team.remove_member
    - team.assign_project
    - team.remove_project
    - project.create
    - project.read
    - project.update
    - project.delete
    - project.assign_team
    - project.remove_team
    - project.manage_settings
    - task.create
    - task.read
    - task.update
    - task.delete
    - task.assign
    - task.change_status
    - task.change_priority
    - dependency.create
    - dependency.read
    - dependency.update
    - dependency.delete
    - dependency.manual_unblock
    - today_task.assign
    - today_task.remove
    - today_task.reorder
    - today_task.view_all
    - settings.global.read
    - settings.global.edit
    - settings.project.read
    - settings.project.edit
    - settings.user.read
    - settings.user.edit
    - notification.view
    - notification.manage
    - notification.configure
    - log.view
    - log.export
    - log.view_details
    - role.create
    - role.read
    - role.update
    - role.delete
    - role.assign
    - role.manage_permissions
    - report.view
    - report.export
    - report.generate

  roles:
    admin:
      description: "System Administrator with full access"
      system: true
      permissions: ["*"]
    project_manager:
      description: "Project Manager"
      system: true
      permissions: [project.read, project.update, task.create, task.read, task.update, task.assign, task.change_status, dependency.create, dependency.read, dependency.delete, dependency.manual_unblock, report.view]
    team_lead:
      description: "Team Lead"
      system: true
      permissions: [project.read, task.create, task.read, task.update, task.assign, task.change_status, dependency.create, dependency.read, dependency.delete]
    developer:
      description: "Developer"
      system: true
      permissions: [task.read, task.update]
    viewer:
      description: "Read-only access"
      system: true
      permissions: [project.read, task.read, dependency.read]

task_statuses:
  - {name: Pending, color: "#6b7280", default: true, order_index: 1}
  - {name: In Progress, color: "#3b82f6", order_index: 2}
  - {name: In Review, color: "#f59e0b", order_index: 3}
  - {name: Blocked, color: "#ef4444", blocking: true, order_index: 4}
  - {name: Completed, color: "#10b981", final: true, order_index: 5}
  - {name: Cancelled, color: "#6b7280", final: true, order_index: 6}

log:
  level: info
  format: json

server:
  addr: ":8080"
  base_path: /v1

repair:
  enabled: true
  schedule: "@every 5m"

links:
  task_path: /dashboard/projects/%d/tasks/%d
`
