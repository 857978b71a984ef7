package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/provider"
	"gopkg.in/yaml.v3"
)

// Exchange is one few-shot user/assistant turn pair.
type Exchange struct {
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// Version represents a named prompt configuration that can be loaded from
// YAML and expanded into a chat transcript. Iterating on prompt quality
// means checking in a new version file and comparing its report against
// the previous one.
type Version struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	System      string            `yaml:"system"`
	FewShot     []Exchange        `yaml:"few_shot"`
	Metadata    map[string]string `yaml:"metadata"`
}

// Load reads a single Version from a YAML file at path.
func Load(path string) (*Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt file %s: %w", path, err)
	}

	var v Version
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing prompt file %s: %w", path, err)
	}

	return &v, nil
}

// LoadDir loads all .yaml and .yml files from dir as Versions.
func LoadDir(dir string) ([]*Version, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading prompt directory %s: %w", dir, err)
	}

	var versions []*Version
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		v, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	return versions, nil
}

// Validate checks that the Version has the minimum required fields.
func (v *Version) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("prompt version name is required")
	}
	if v.System == "" {
		return fmt.Errorf("prompt version %q must have a system prompt", v.Name)
	}
	for i, ex := range v.FewShot {
		if ex.User == "" || ex.Assistant == "" {
			return fmt.Errorf("prompt version %q few_shot example %d must have user and assistant text", v.Name, i)
		}
	}
	return nil
}

// BuildMessages expands the version into an ordered chat transcript:
// the system prompt, the few-shot exchanges, then the user input.
func (v *Version) BuildMessages(userText string) []provider.Message {
	messages := make([]provider.Message, 0, 2*len(v.FewShot)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: v.System})
	for _, ex := range v.FewShot {
		messages = append(messages,
			provider.Message{Role: provider.RoleUser, Content: ex.User},
			provider.Message{Role: provider.RoleAssistant, Content: ex.Assistant},
		)
	}
	return append(messages, provider.Message{Role: provider.RoleUser, Content: userText})
}

// Flatten joins message contents with newlines. The flattened blob is
// what prompt token estimation runs over.
func Flatten(messages []provider.Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// Interpolate applies Go text/template rendering to the System field
// using the provided variables. It returns a new Version with the
// rendered string; the original is not modified.
//
// Template variables use {{.VarName}} syntax. An error is returned if a
// template references a variable not present in vars.
func (v *Version) Interpolate(vars map[string]interface{}) (*Version, error) {
	rendered := &Version{
		Name:        v.Name,
		Description: v.Description,
		FewShot:     v.FewShot,
		Metadata:    v.Metadata,
	}

	var err error
	rendered.System, err = renderTemplate(v.Name+".system", v.System, vars)
	if err != nil {
		return nil, fmt.Errorf("interpolating system prompt for %q: %w", v.Name, err)
	}

	return rendered, nil
}

// renderTemplate parses and executes a Go text/template with "missingkey=error"
// so that undefined variables produce an error instead of empty strings.
func renderTemplate(name, text string, vars map[string]interface{}) (string, error) {
	if text == "" {
		return "", nil
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}

	return buf.String(), nil
}
