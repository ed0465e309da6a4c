package nuclei

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bebasset/threatsense/internal/domain/scans"
)

// record mirrors the subset of nuclei's JSONL output this system cares about.
type record struct {
	TemplateID string `json:"template-id"`
	Host       string `json:"host"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Remediation    string `json:"remediation"`
		Classification struct {
			CVEID     json.RawMessage `json:"cve-id"`
			CVSSScore float64         `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
}

// ParseArtifact extracts finding drafts from a nuclei JSONL artifact. It is a
// deliberately separate step from the scan itself: the adapter only reports
// the artifact path, extraction runs downstream. Malformed lines are skipped.
func ParseArtifact(path string) ([]scans.FindingDraft, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var drafts []scans.FindingDraft
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if r.Info.Name == "" && r.TemplateID == "" {
			continue
		}

		title := r.Info.Name
		if title == "" {
			title = r.TemplateID
		}
		evidence := fmt.Sprintf("Template %s matched at %s.", r.TemplateID, firstNonEmpty(r.MatchedAt, r.Host))

		draft := scans.FindingDraft{
			Title:       title,
			Severity:    string(scans.NormalizeSeverity(r.Info.Severity)),
			Category:    "vulnerability",
			Evidence:    evidence,
			Remediation: firstNonEmpty(r.Info.Remediation, r.Info.Description),
			CVE:         firstCVE(r.Info.Classification.CVEID),
		}
		if score := r.Info.Classification.CVSSScore; score > 0 {
			s := score
			draft.CVSS = &s
		}
		drafts = append(drafts, draft)
	}
	if err := sc.Err(); err != nil {
		return drafts, fmt.Errorf("read artifact: %w", err)
	}
	return drafts, nil
}

// firstCVE handles nuclei emitting cve-id as either a string or an array.
func firstCVE(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return one
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
