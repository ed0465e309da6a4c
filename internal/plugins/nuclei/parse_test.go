package nuclei

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nuclei_test.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestParseArtifact(t *testing.T) {
	path := writeArtifact(t, `
{"template-id":"cve-2021-44228","host":"https://a.example","matched-at":"https://a.example/api","info":{"name":"Log4j RCE","severity":"critical","description":"JNDI lookup injection.","remediation":"Upgrade log4j.","classification":{"cve-id":"CVE-2021-44228","cvss-score":10.0}}}
{"template-id":"tech-detect","info":{"name":"Tech Detect","severity":"info"}}
`)

	drafts, err := ParseArtifact(path)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	first := drafts[0]
	assert.Equal(t, "Log4j RCE", first.Title)
	assert.Equal(t, "critical", first.Severity)
	assert.Equal(t, "vulnerability", first.Category)
	assert.Equal(t, "Template cve-2021-44228 matched at https://a.example/api.", first.Evidence)
	assert.Equal(t, "Upgrade log4j.", first.Remediation)
	assert.Equal(t, "CVE-2021-44228", first.CVE)
	require.NotNil(t, first.CVSS)
	assert.Equal(t, 10.0, *first.CVSS)

	second := drafts[1]
	assert.Equal(t, "info", second.Severity)
	assert.Empty(t, second.CVE)
	assert.Nil(t, second.CVSS)
}

func TestParseArtifactSkipsMalformedLines(t *testing.T) {
	path := writeArtifact(t, `
not-json-at-all
{"template-id":"ok-one","info":{"name":"OK","severity":"low"}}
{"info":{}}
`)

	drafts, err := ParseArtifact(path)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "OK", drafts[0].Title)
}

func TestParseArtifactCVEArray(t *testing.T) {
	path := writeArtifact(t, `{"template-id":"multi-cve","info":{"name":"Multi","severity":"high","classification":{"cve-id":["CVE-2024-0001","CVE-2024-0002"]}}}`)

	drafts, err := ParseArtifact(path)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "CVE-2024-0001", drafts[0].CVE)
}

func TestParseArtifactTitleAndSeverityFallbacks(t *testing.T) {
	path := writeArtifact(t, `{"template-id":"bare-template","info":{"severity":"weird"}}`)

	drafts, err := ParseArtifact(path)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "bare-template", drafts[0].Title)
	assert.Equal(t, "low", drafts[0].Severity)
}

func TestParseArtifactMissingFile(t *testing.T) {
	_, err := ParseArtifact(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}
