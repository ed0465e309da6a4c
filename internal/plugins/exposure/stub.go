// Package exposure holds the placeholder network-exposure plugin. It proves
// the dispatch pipeline end-to-end until a real probe replaces it.
package exposure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bebasset/threatsense/internal/domain/scans"
)

const PluginName = "exposure_stub"

type Stub struct{}

func New() *Stub { return &Stub{} }

func (s *Stub) Name() string { return PluginName }

func (s *Stub) Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (scans.PluginResult, error) {
	return scans.PluginResult{
		Findings: []scans.FindingDraft{
			{
				Title:       fmt.Sprintf("Exposure check for %s", assetValue),
				Severity:    string(scans.SeverityInfo),
				Category:    "exposure",
				Evidence:    fmt.Sprintf("Stub scan completed for %s:%s.", assetKind, assetValue),
				Remediation: "Replace stub with real scanner plugin.",
			},
		},
	}, nil
}
