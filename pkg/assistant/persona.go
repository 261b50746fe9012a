package assistant

import (
	"embed"
	"fmt"
	"strings"
)

const defaultPersonaName = "persona"

//go:embed templates/*.md
var templatesFS embed.FS

// ResolvePersona returns the configured system prompt, or the embedded default
// persona for community when none is configured.
func ResolvePersona(configured string, community string) (string, error) {
	if persona := strings.TrimSpace(configured); persona != "" {
		return persona, nil
	}

	content, err := templatesFS.ReadFile(templatePath(defaultPersonaName))
	if err != nil {
		return "", fmt.Errorf("load %s template: %w", defaultPersonaName, err)
	}

	persona := strings.TrimSpace(string(content))
	if persona == "" {
		return "", fmt.Errorf("persona template %q is empty", defaultPersonaName)
	}

	community = strings.TrimSpace(community)
	if community == "" {
		community = "this community"
	}
	return strings.ReplaceAll(persona, "{{community}}", community), nil
}

func templatePath(name string) string {
	return "templates/" + strings.TrimSpace(name) + ".md"
}
