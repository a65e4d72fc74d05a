package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joshp123/automower/internal/config"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveMowerID accepts a mower id or its display name.
func resolveMowerID(input string, names map[string]string) (string, error) {
	if _, ok := names[input]; ok {
		return input, nil
	}
	needle := normalizeName(input)
	for id, name := range names {
		if normalizeName(name) == needle {
			return id, nil
		}
	}
	available := make([]string, 0, len(names))
	for id, name := range names {
		available = append(available, fmt.Sprintf("%s (%s)", name, id))
	}
	sort.Strings(available)
	return "", fmt.Errorf("mower %q not found. Available: %s", input, strings.Join(available, ", "))
}

// resolveAddr prefers the environment, then the .env file, then fallback.
// Wildcard listen hosts are dialed on localhost.
func resolveAddr(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		if env, err := config.ReadEnvFile(config.DefaultEnvFile); err == nil {
			value = env[key]
		}
	}
	if value == "" {
		value = fallback
	}
	for _, wildcard := range []string{"0.0.0.0:", "[::]:", ":"} {
		if rest, ok := strings.CutPrefix(value, wildcard); ok {
			return "localhost:" + rest
		}
	}
	return value
}
