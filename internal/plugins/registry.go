// Package plugins assembles the closed set of scanner strategies. The set is
// statically known; there is no runtime registration surface.
package plugins

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/plugins/exposure"
	"github.com/bebasset/threatsense/internal/plugins/nuclei"
	"github.com/bebasset/threatsense/internal/plugins/socrules"
)

// Registry maps a scan's declared plugin name to its singleton instance.
type Registry map[string]scans.Plugin

// Options carries the environment the plugin instances need.
type Options struct {
	ArtifactsRoot string
	NucleiBinary  string
	Logger        zerolog.Logger
}

// NewRegistry builds the full registry at startup.
func NewRegistry(opts Options) Registry {
	return Registry{
		exposure.PluginName: exposure.New(),
		nuclei.PluginName:   nuclei.New(opts.NucleiBinary, opts.ArtifactsRoot, opts.Logger),
		socrules.PluginName: socrules.New(opts.ArtifactsRoot, opts.Logger),
	}
}

// Resolve looks up a plugin by name. A miss is fatal for that scan.
func (r Registry) Resolve(name string) (scans.Plugin, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin: %s", name)
	}
	return p, nil
}

// Names returns the registered plugin names, sorted, for request validation.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
