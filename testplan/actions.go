// Package testplan models reusable test-job templates: an ordered tree of
// typed actions (deploy, boot, command, test) rendered into an execution
// backend job definition. Plans are operator-edited YAML, never mutated by
// the engine at runtime.
package testplan

import "fmt"

// Action is a closed tagged union: exactly one of its members is set.
// Adding a new action kind means adding a member and a Render case, nothing
// is open for subclassing.
type Action struct {
	Deploy  *DeployAction  `yaml:"deploy,omitempty"`
	Boot    *BootAction    `yaml:"boot,omitempty"`
	Command *CommandAction `yaml:"command,omitempty"`
	Test    *TestAction    `yaml:"test,omitempty"`
}

// Render produces the backend-facing mapping for the single set member.
func (a Action) Render() (map[string]any, error) {
	switch {
	case a.Deploy != nil:
		return a.Deploy.Render(), nil
	case a.Boot != nil:
		return a.Boot.Render(), nil
	case a.Command != nil:
		return a.Command.Render(), nil
	case a.Test != nil:
		return a.Test.Render(), nil
	default:
		return nil, fmt.Errorf("action has no kind set")
	}
}

type Timeout struct {
	Minutes int `yaml:"minutes,omitempty"`
	Seconds int `yaml:"seconds,omitempty"`
}

func (t Timeout) Render() map[string]any {
	if t.Seconds > 0 {
		return map[string]any{"seconds": t.Seconds}
	}
	return map[string]any{"minutes": t.Minutes}
}

type DownloadImage struct {
	URL         string            `yaml:"url"`
	Compression string            `yaml:"compression,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

type DeployPostprocess struct {
	Image string   `yaml:"image"`
	Steps []string `yaml:"steps"`
}

type DeployAction struct {
	Namespace           string                   `yaml:"namespace,omitempty"`
	ConnectionNamespace string                   `yaml:"connection_namespace,omitempty"`
	To                  string                   `yaml:"to"`
	Images              map[string]DownloadImage `yaml:"images"`
	Postprocess         *DeployPostprocess       `yaml:"postprocess,omitempty"`
}

func (d *DeployAction) Render() map[string]any {
	images := make(map[string]any, len(d.Images))
	for name, image := range d.Images {
		entry := map[string]any{"url": image.URL}
		if image.Compression != "" {
			entry["compression"] = image.Compression
		}
		if len(image.Headers) > 0 {
			entry["headers"] = image.Headers
		}
		images[name] = entry
	}
	deploy := map[string]any{
		"to":     d.To,
		"images": images,
	}
	if d.Postprocess != nil {
		deploy["postprocess"] = map[string]any{
			"docker": map[string]any{
				"image": d.Postprocess.Image,
				"steps": d.Postprocess.Steps,
			},
		}
	}
	rendered := map[string]any{"deploy": deploy}
	addNamespaces(rendered, d.Namespace, d.ConnectionNamespace)
	return rendered
}

type AutoLogin struct {
	LoginPrompt    string   `yaml:"login_prompt"`
	PasswordPrompt string   `yaml:"password_prompt"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	LoginCommands  []string `yaml:"login_commands,omitempty"`
}

type TransferOverlay struct {
	DownloadCommand string `yaml:"download_command"`
	UnpackCommand   string `yaml:"unpack_command"`
}

type BootAction struct {
	Namespace           string           `yaml:"namespace,omitempty"`
	ConnectionNamespace string           `yaml:"connection_namespace,omitempty"`
	Method              string           `yaml:"method"`
	Prompts             []string         `yaml:"prompts"`
	AutoLogin           *AutoLogin       `yaml:"auto_login,omitempty"`
	TransferOverlay     *TransferOverlay `yaml:"transfer_overlay,omitempty"`
}

func (b *BootAction) Render() map[string]any {
	boot := map[string]any{
		"prompts": b.Prompts,
		"method":  b.Method,
	}
	if b.AutoLogin != nil {
		boot["auto_login"] = map[string]any{
			"login_prompt":    b.AutoLogin.LoginPrompt,
			"username":        b.AutoLogin.Username,
			"password_prompt": b.AutoLogin.PasswordPrompt,
			"password":        b.AutoLogin.Password,
			"login_commands":  b.AutoLogin.LoginCommands,
		}
	}
	if b.TransferOverlay != nil {
		boot["transfer_overlay"] = map[string]any{
			"download_command": b.TransferOverlay.DownloadCommand,
			"unpack_command":   b.TransferOverlay.UnpackCommand,
		}
	}
	rendered := map[string]any{"boot": boot}
	addNamespaces(rendered, b.Namespace, b.ConnectionNamespace)
	return rendered
}

type CommandAction struct {
	Name                string `yaml:"name"`
	Namespace           string `yaml:"namespace,omitempty"`
	ConnectionNamespace string `yaml:"connection_namespace,omitempty"`
}

func (c *CommandAction) Render() map[string]any {
	command := map[string]any{"name": c.Name}
	if c.Namespace != "" {
		command["namespace"] = c.Namespace
	}
	if c.ConnectionNamespace != "" {
		command["connection-namespace"] = c.ConnectionNamespace
	}
	return map[string]any{"command": command}
}

type InteractiveCommand struct {
	Name          string   `yaml:"name"`
	Command       string   `yaml:"command"`
	WaitForPrompt bool     `yaml:"wait_for_prompt"`
	Successes     []string `yaml:"successes"`
}

// TestDefinition references a test either by git repository (from: git) or
// as an inline interactive script.
type TestDefinition struct {
	Type       string               `yaml:"type"` // git or interactive
	Name       string               `yaml:"name"`
	Repository string               `yaml:"repository,omitempty"`
	Path       string               `yaml:"path,omitempty"`
	Parameters map[string]string    `yaml:"parameters,omitempty"`
	Prompts    []string             `yaml:"prompts,omitempty"`
	Script     []InteractiveCommand `yaml:"script,omitempty"`
}

const (
	TestTypeGit         = "git"
	TestTypeInteractive = "interactive"
)

type TestAction struct {
	Namespace           string           `yaml:"namespace,omitempty"`
	ConnectionNamespace string           `yaml:"connection_namespace,omitempty"`
	Timeout             *Timeout         `yaml:"timeout,omitempty"`
	Definitions         []TestDefinition `yaml:"definitions"`
}

func (t *TestAction) Render() map[string]any {
	test := map[string]any{}
	if t.Timeout != nil {
		test["timeout"] = t.Timeout.Render()
	}
	var gitDefs, interactiveDefs []any
	for _, def := range t.Definitions {
		switch def.Type {
		case TestTypeInteractive:
			script := make([]any, 0, len(def.Script))
			for _, cmd := range def.Script {
				script = append(script, map[string]any{
					"command":         cmd.Command,
					"name":            cmd.Name,
					"wait_for_prompt": cmd.WaitForPrompt,
					"successes":       cmd.Successes,
				})
			}
			interactiveDefs = append(interactiveDefs, map[string]any{
				"name":    def.Name,
				"prompts": def.Prompts,
				"script":  script,
			})
		default:
			entry := map[string]any{
				"repository": def.Repository,
				"from":       TestTypeGit,
				"path":       def.Path,
				"name":       def.Name,
			}
			if len(def.Parameters) > 0 {
				entry["parameters"] = def.Parameters
			}
			gitDefs = append(gitDefs, entry)
		}
	}
	if gitDefs != nil {
		test["definitions"] = gitDefs
	}
	if interactiveDefs != nil {
		test["interactive"] = interactiveDefs
	}
	rendered := map[string]any{"test": test}
	addNamespaces(rendered, t.Namespace, t.ConnectionNamespace)
	return rendered
}

// ExpectedTests lists the git test definition names this action will produce
// result suites for.
func (t *TestAction) ExpectedTests() []string {
	var names []string
	for _, def := range t.Definitions {
		if def.Type == "" || def.Type == TestTypeGit {
			names = append(names, def.Name)
		}
	}
	return names
}

func addNamespaces(rendered map[string]any, namespace, connectionNamespace string) {
	if namespace != "" && connectionNamespace != "" {
		rendered["namespace"] = namespace
		rendered["connection-namespace"] = connectionNamespace
	}
}
