package core

import (
	"fmt"
	"regexp"
)

var pluginIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)

// ValidatePlugins checks plugin ids and manifests before the host starts.
func ValidatePlugins(plugins []Plugin) error {
	seen := make(map[string]bool)
	for _, plugin := range plugins {
		id := plugin.ID()
		manifest := plugin.Manifest()
		switch {
		case id == "":
			return fmt.Errorf("plugin id is empty")
		case !pluginIDPattern.MatchString(id):
			return fmt.Errorf("plugin id %q does not match %s", id, pluginIDPattern.String())
		case manifest.PluginID != id:
			return fmt.Errorf("plugin id mismatch: id=%q manifest=%q", id, manifest.PluginID)
		case manifest.Version == "":
			return fmt.Errorf("plugin %s has no version", id)
		case seen[id]:
			return fmt.Errorf("duplicate plugin id: %s", id)
		}
		if decl := plugin.OAuthDeclaration(); decl.Provider == "" {
			return fmt.Errorf("plugin %s declares no oauth provider", id)
		}
		seen[id] = true
	}
	return nil
}
