package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bebasset/threatsense/internal/application"
	"github.com/bebasset/threatsense/internal/domain/ai"
	"github.com/bebasset/threatsense/internal/domain/analyst"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
)

// Service runs AI analysis over a finished scan's findings and stores the
// result for later retrieval.
type Service struct {
	Client   ai.Client
	Analyses analyst.Repository
	Runs     domain.Repository
	Findings domain.FindingRepository
	Clock    application.Clock
}

// report is the JSON document handed to the AI provider.
type report struct {
	ScanRunID    string           `json:"scan_run_id"`
	Plugin       string           `json:"plugin"`
	Status       string           `json:"status"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Findings     []*domain.Finding `json:"findings"`
}

// AnalyzeRun fetches the run and its findings, asks the provider for a JSON
// analysis and persists it.
func (s *Service) AnalyzeRun(ctx context.Context, tenant string, scanID domain.ScanID) (*analyst.Analysis, error) {
	run, err := s.Runs.Get(ctx, tenant, scanID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("scan run %s is not finished yet (status=%s)", scanID, run.Status)
	}

	findings, err := s.Findings.ListByRun(ctx, tenant, scanID, 0)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(report{
		ScanRunID:    string(run.ID),
		Plugin:       run.Plugin,
		Status:       string(run.Status),
		ArtifactPath: run.ArtifactPath,
		ErrorMessage: run.ErrorMessage,
		Findings:     findings,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.Client.Analyze(ctx, string(doc))
	if err != nil {
		return nil, err
	}

	a := &analyst.Analysis{
		ID:        analyst.AnalysisID(uuid.NewString()),
		TenantID:  tenant,
		ScanRunID: string(scanID),
		Result:    result,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Analyses.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAnalyses returns stored analyses, newest first.
func (s *Service) ListAnalyses(ctx context.Context, tenant string, page, pageSize int) ([]*analyst.Analysis, error) {
	return s.Analyses.List(ctx, tenant, page, pageSize)
}
