package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/application"
	"github.com/bebasset/threatsense/internal/domain/assets"
	"github.com/bebasset/threatsense/internal/domain/events"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/plugins"
	"github.com/bebasset/threatsense/internal/plugins/socrules"
)

// MaxEventRows bounds the working set injected into the SOC plugin so one
// noisy source cannot blow up worker memory or persist time.
const MaxEventRows = 5000

// Orchestrator owns the ScanRun state machine. One delivered job is processed
// end-to-end, synchronously, by exactly one Execute call; there is no internal
// parallelism and no internal retry — redelivery is the queue's business.
//
// Orchestrator is safe for concurrent use across distinct scan IDs.
type Orchestrator struct {
	Runs     domain.Repository
	Findings domain.FindingRepository
	Assets   assets.Repository
	Events   events.Repository
	Registry plugins.Registry

	// Artifacts mirrors local artifact files to object storage when set.
	// Optional; a mirror failure never fails the run.
	Artifacts domain.ArtifactStore

	Clock application.Clock
	Log   zerolog.Logger
}

// Execute drives one scan identifier to a terminal state. It is the single
// recovery boundary per job: faults escaping the plugin or persistence are
// recorded on the run, never rethrown to the queue.
//
// Duplicate delivery is safe: terminal runs short-circuit, and the atomic
// claim lets exactly one concurrent caller take a queued run.
func (o *Orchestrator) Execute(ctx context.Context, tenant string, id domain.ScanID) (err error) {
	log := o.Log.With().Str("tenant", tenant).Str("scan_id", string(id)).Logger()

	run, err := o.Runs.Get(ctx, tenant, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("scan run not found, dropping delivery")
			return nil
		}
		return fmt.Errorf("load scan run: %w", err)
	}

	if run.Status.Terminal() {
		log.Debug().Str("status", string(run.Status)).Msg("scan run already terminal, no-op")
		return nil
	}

	now := o.Clock.Now()

	asset, err := o.Assets.Get(ctx, tenant, assets.AssetID(run.AssetID))
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			o.fail(ctx, log, tenant, id, "Asset not found")
			return nil
		}
		return fmt.Errorf("load asset: %w", err)
	}

	// Atomic claim: conditional update queued -> running. The loser of a
	// concurrent duplicate delivery sees claimed=false and walks away. A run
	// stuck in running (worker crash) is likewise not re-entered here.
	claimed, err := o.Runs.Claim(ctx, tenant, id, now)
	if err != nil {
		return fmt.Errorf("claim scan run: %w", err)
	}
	if !claimed {
		log.Debug().Msg("scan run claimed elsewhere, no-op")
		return nil
	}

	// From here on the run is ours; any fault becomes a failed terminal state.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("scan execution panicked")
			o.fail(ctx, log, tenant, id, fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	plugin, rerr := o.Registry.Resolve(run.Plugin)
	if rerr != nil {
		o.fail(ctx, log, tenant, id, rerr.Error())
		return nil
	}

	params := run.Parameters
	if plugin.Name() == socrules.PluginName {
		params, err = o.injectEvents(ctx, run, asset, now)
		if err != nil {
			o.fail(ctx, log, tenant, id, fmt.Sprintf("load events: %v", err))
			return nil
		}
	}

	result, perr := plugin.Run(ctx, string(asset.Kind), asset.Value, params)
	if perr != nil {
		o.fail(ctx, log, tenant, id, perr.Error())
		return nil
	}

	artifactPath := o.mirrorArtifact(ctx, log, tenant, run.Plugin, result.ArtifactPath)

	// Findings are inserted row by row with no wrapping transaction: on a
	// mid-flight fault the earlier rows stay (partial evidence beats none)
	// and the run ends failed. Downstream must not read "failed" as
	// "no findings".
	for i := range result.Findings {
		draft := result.Findings[i]
		category := draft.Category
		if category == "" {
			category = "general"
		}
		f := &domain.Finding{
			ID:          uuid.NewString(),
			TenantID:    tenant,
			ScanRunID:   id,
			AssetID:     run.AssetID,
			Title:       draft.Title,
			Severity:    domain.NormalizeSeverity(draft.Severity),
			Category:    category,
			Evidence:    draft.Evidence,
			Remediation: draft.Remediation,
			CVE:         draft.CVE,
			CVSS:        draft.CVSS,
		}
		if ferr := o.Findings.Insert(ctx, f); ferr != nil {
			o.fail(ctx, log, tenant, id, fmt.Sprintf("persist finding: %v", ferr))
			return nil
		}
	}

	finished := o.Clock.Now()
	if derr := o.Runs.MarkDone(ctx, tenant, id, finished, artifactPath); derr != nil {
		return fmt.Errorf("mark done: %w", derr)
	}

	log.Info().Int("findings", len(result.Findings)).Str("plugin", run.Plugin).
		Str("artifact", artifactPath).Msg("scan run done")
	return nil
}

// injectEvents builds the SOC plugin's parameter blob: the run's own
// parameters plus the windowed event batch from the store.
func (o *Orchestrator) injectEvents(ctx context.Context, run *domain.ScanRun, asset *assets.Asset, now time.Time) (json.RawMessage, error) {
	raw := map[string]any{}
	if len(run.Parameters) > 0 {
		if err := json.Unmarshal(run.Parameters, &raw); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}

	windowMinutes := socrules.DefaultWindowMinutes
	if v, ok := raw["window_minutes"].(float64); ok && v > 0 {
		windowMinutes = int(v)
	}
	source, _ := raw["source"].(string)
	if source == "" {
		source = asset.Value
	}

	rows, err := o.Events.Select(ctx, events.Query{
		Tenant: run.TenantID,
		Source: source,
		Since:  now.Add(-time.Duration(windowMinutes) * time.Minute),
		Limit:  MaxEventRows,
	})
	if err != nil {
		return nil, err
	}

	batch := make([]socrules.Event, 0, len(rows))
	for _, e := range rows {
		batch = append(batch, socrules.Event{
			TS:        e.TS.UTC().Format(time.RFC3339),
			Source:    e.Source,
			EventType: e.EventType,
			User:      e.User,
			IP:        e.IP,
			Hostname:  e.Hostname,
			Raw:       e.Raw,
		})
	}
	raw["events"] = batch

	return json.Marshal(raw)
}

// mirrorArtifact uploads the local artifact to object storage when a store is
// configured, returning the mirrored URL; otherwise (or on upload failure)
// the local path stands.
func (o *Orchestrator) mirrorArtifact(ctx context.Context, log zerolog.Logger, tenant, plugin, localPath string) string {
	if localPath == "" || o.Artifacts == nil {
		return localPath
	}
	key := fmt.Sprintf("%s/%s/%s", tenant, plugin, filepath.Base(localPath))
	url, err := o.Artifacts.Upload(ctx, localPath, key)
	if err != nil {
		log.Warn().Err(err).Str("artifact", localPath).Msg("artifact mirror failed, keeping local path")
		return localPath
	}
	return url
}

func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, tenant string, id domain.ScanID, msg string) {
	if err := o.Runs.MarkFailed(ctx, tenant, id, o.Clock.Now(), msg); err != nil {
		log.Error().Err(err).Msg("could not mark scan run failed")
		return
	}
	log.Warn().Str("error_message", msg).Msg("scan run failed")
}
