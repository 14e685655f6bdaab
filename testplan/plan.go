package testplan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/devicefleet/conductor/models"
	"gopkg.in/yaml.v3"
)

// TestJob is a single submittable job template within a plan.
type TestJob struct {
	Name       string             `yaml:"name"`
	Kind       models.JobKind     `yaml:"kind"`
	// OTA jobs are scheduled for OTA/containers builds and bind to the
	// adjacent predecessor build's artifacts.
	OTA        bool               `yaml:"ota"`
	Priority   int                `yaml:"priority"`
	Visibility string             `yaml:"visibility"`
	Timeouts   map[string]Timeout `yaml:"timeouts,omitempty"`
	Metadata   map[string]string  `yaml:"metadata,omitempty"`
	Context    map[string]any     `yaml:"context,omitempty"`
	Actions    []Action           `yaml:"actions"`
}

// TestPlan groups the job templates for one device type.
type TestPlan struct {
	Name       string    `yaml:"name"`
	DeviceType string    `yaml:"device_type"`
	Jobs       []TestJob `yaml:"jobs"`
}

// Definition assembles the full job definition mapping for this template.
func (j *TestJob) Definition(plan *TestPlan) (map[string]any, error) {
	timeouts := make(map[string]any, len(j.Timeouts))
	for name, timeout := range j.Timeouts {
		timeouts[name] = timeout.Render()
	}

	actions := make([]any, 0, len(j.Actions))
	for i, action := range j.Actions {
		rendered, err := action.Render()
		if err != nil {
			return nil, fmt.Errorf("job %s action %d: %w", j.Name, i, err)
		}
		actions = append(actions, rendered)
	}

	visibility := j.Visibility
	if visibility == "" {
		visibility = "public"
	}
	priority := j.Priority
	if priority == 0 {
		priority = 50
	}

	definition := map[string]any{
		"job_name":    j.Name,
		"device_type": plan.DeviceType,
		"visibility":  visibility,
		"priority":    priority,
		"timeouts":    timeouts,
		"actions":     actions,
	}
	if len(j.Metadata) > 0 {
		definition["metadata"] = j.Metadata
	}
	if len(j.Context) > 0 {
		definition["context"] = j.Context
	}
	return definition, nil
}

// placeholderRe matches {NAME} tokens in rendered definitions.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render produces the final definition text: the assembled mapping is
// serialized to YAML and {NAME} placeholders are substituted from the
// context. Unknown placeholders are left untouched.
func (j *TestJob) Render(plan *TestPlan, context map[string]string) (string, error) {
	definition, err := j.Definition(plan)
	if err != nil {
		return "", err
	}
	raw, err := yaml.Marshal(definition)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job %s: %w", j.Name, err)
	}
	rendered := placeholderRe.ReplaceAllStringFunc(string(raw), func(token string) string {
		key := token[1 : len(token)-1]
		if value, ok := context[key]; ok {
			return value
		}
		return token
	})
	return rendered, nil
}

// Load parses a single plan file.
func Load(path string) (*TestPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test plan %s: %w", path, err)
	}
	var plan TestPlan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse test plan %s: %w", path, err)
	}
	if plan.DeviceType == "" {
		return nil, fmt.Errorf("test plan %s has no device_type", path)
	}
	for i := range plan.Jobs {
		if plan.Jobs[i].Kind == "" {
			plan.Jobs[i].Kind = models.JobKindFunctional
		}
	}
	return &plan, nil
}

// LoadDir loads every *.yaml plan under dir. A missing directory yields an
// empty plan set, not an error; projects without plans simply schedule
// nothing.
func LoadDir(dir string) ([]*TestPlan, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	var plans []*TestPlan
	for _, path := range entries {
		plan, err := Load(path)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// ForDeviceType filters plans down to one device type.
func ForDeviceType(plans []*TestPlan, deviceType string) []*TestPlan {
	var matched []*TestPlan
	for _, plan := range plans {
		if plan.DeviceType == deviceType {
			matched = append(matched, plan)
		}
	}
	return matched
}
