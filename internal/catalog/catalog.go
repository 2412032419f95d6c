// Package catalog exposes the capability catalog: per plugin key, the set
// of actions with parameter and output schemas. Read-only to the pipeline
// and safe for concurrent use across compilations.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for catalog lookups.
var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrUnknownAction = errors.New("unknown action")
)

// ParamSpec describes one parameter of a plugin action.
type ParamSpec struct {
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description" yaml:"description"`
}

// OutputSpec describes the shape of an action's output.
// WrapperField records one level of nesting: an action returning
// {emails: [...]} rather than a bare array has WrapperField "emails".
// The normalizer uses it to rewrite references to the correct nested path.
type OutputSpec struct {
	Type         string            `json:"type" yaml:"type"` // "array", "object", "string"
	WrapperField string            `json:"wrapper_field" yaml:"wrapper_field"`
	ItemFields   map[string]string `json:"item_fields" yaml:"item_fields"` // field name -> type name
}

// ActionSpec describes one action of a plugin.
type ActionSpec struct {
	Parameters map[string]ParamSpec `json:"parameters" yaml:"parameters"`
	Output     OutputSpec           `json:"output" yaml:"output"`
}

// Catalog is the queryable capability catalog.
type Catalog interface {
	// Actions returns the action specs for a plugin key.
	// Returns ErrUnknownPlugin when the key is not registered.
	Actions(pluginKey string) (map[string]ActionSpec, error)

	// ResolvePlugin maps a user-facing service name to a plugin key.
	// Matching is case-insensitive and alias-tolerant ("gmail",
	// "google mail" -> "google-mail"). Returns ErrUnknownPlugin when no
	// plugin matches.
	ResolvePlugin(service string) (string, error)
}

// Action fetches a single action spec, distinguishing unknown plugin from
// unknown action.
func Action(c Catalog, pluginKey, actionName string) (ActionSpec, error) {
	actions, err := c.Actions(pluginKey)
	if err != nil {
		return ActionSpec{}, err
	}
	spec, ok := actions[actionName]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %s.%s", ErrUnknownAction, pluginKey, actionName)
	}
	return spec, nil
}

// memCatalog is an in-memory Catalog built from a plugin map.
type memCatalog struct {
	plugins map[string]map[string]ActionSpec
	aliases map[string]string // normalized alias -> plugin key
}

// New builds an in-memory catalog. The aliases map may be nil; plugin keys
// always resolve to themselves.
func New(plugins map[string]map[string]ActionSpec, aliases map[string]string) Catalog {
	c := &memCatalog{
		plugins: plugins,
		aliases: make(map[string]string, len(aliases)+len(plugins)),
	}
	for key := range plugins {
		c.aliases[normalizeService(key)] = key
	}
	for alias, key := range aliases {
		c.aliases[normalizeService(alias)] = key
	}
	return c
}

func (c *memCatalog) Actions(pluginKey string) (map[string]ActionSpec, error) {
	actions, ok := c.plugins[pluginKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, pluginKey)
	}
	return actions, nil
}

func (c *memCatalog) ResolvePlugin(service string) (string, error) {
	if key, ok := c.aliases[normalizeService(service)]; ok {
		return key, nil
	}
	return "", fmt.Errorf("%w: no plugin matches service %q", ErrUnknownPlugin, service)
}

// normalizeService lowercases and strips separators so "Google Mail",
// "google-mail", and "google_mail" all normalize identically.
func normalizeService(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "", "-", "", "_", "", ".", "").Replace(s)
	return s
}
