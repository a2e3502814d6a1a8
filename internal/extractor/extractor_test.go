package extractor

import (
	"context"
	"testing"

	"claudemem/internal/config"
	"claudemem/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExtractorCfg() config.ExtractorConfig {
	return config.ExtractorConfig{MaxOutputChars: 4000, TimeoutSeconds: 5}
}

type stubHost struct {
	result *Result
	ok     bool
}

func (s stubHost) Extract(tool string, args map[string]any, output string) (*Result, bool) {
	return s.result, s.ok
}

func TestExtract_UsesHostSessionWhenValid(t *testing.T) {
	host := stubHost{result: &Result{Title: "did a thing", Type: types.TypeFeature, Narrative: "implemented the new feature end to end"}, ok: true}
	c := New(testExtractorCfg(), host, nil)
	r := c.Extract(context.Background(), "edit_file", map[string]any{"path": "a.go"}, "ok")
	assert.Equal(t, "did a thing", r.Title)
}

func TestExtract_FallsThroughWhenHostResultInvalid(t *testing.T) {
	host := stubHost{result: &Result{Title: "", Type: types.TypeFeature, Narrative: "x"}, ok: true}
	c := New(testExtractorCfg(), host, nil)
	r := c.Extract(context.Background(), "edit_file", map[string]any{"path": "a.go"}, "ok")
	assert.Equal(t, "ran edit_file", r.Title)
	assert.Equal(t, types.TypeChange, r.Type)
}

func TestExtract_NoHostOrModelUsesFallback(t *testing.T) {
	c := New(testExtractorCfg(), nil, nil)
	r := c.Extract(context.Background(), "run_command", map[string]any{"cmd": "go test ./..."}, "PASS")
	require.NotEmpty(t, r.Title)
	assert.Equal(t, types.TypeChange, r.Type)
	assert.GreaterOrEqual(t, len([]rune(r.Narrative)), types.NarrativeMinLen)
}

func TestExtract_ScrubsSecretsFromArgsBeforeFallback(t *testing.T) {
	c := New(testExtractorCfg(), nil, nil)
	r := c.Extract(context.Background(), "curl", map[string]any{"header": "Authorization: Bearer sk-ant-REDACTED"}, "ok")
	assert.NotContains(t, r.Narrative, "sk-ant-REDACTED")
}

func TestValidateDispatcherURL_RejectsNonAllowlistedHost(t *testing.T) {
	cfg := testExtractorCfg()
	cfg.DispatcherURL = "https://evil.example.com/extract"
	c := New(cfg, nil, nil)
	err := c.ValidateDispatcherURL()
	require.Error(t, err)
}

func TestValidateDispatcherURL_AcceptsOpencodeSubdomain(t *testing.T) {
	cfg := testExtractorCfg()
	cfg.DispatcherURL = "https://dispatch.opencode.ai/extract"
	c := New(cfg, nil, nil)
	assert.NoError(t, c.ValidateDispatcherURL())
}

func TestValidateDispatcherURL_AcceptsLocalhost(t *testing.T) {
	cfg := testExtractorCfg()
	cfg.DispatcherURL = "http://localhost:8080/extract"
	c := New(cfg, nil, nil)
	assert.NoError(t, c.ValidateDispatcherURL())
}

func TestSummarize_ReturnsFalseWithoutModelClient(t *testing.T) {
	c := New(testExtractorCfg(), nil, nil)
	_, ok := c.Summarize(context.Background(), "s1", 30, nil)
	assert.False(t, ok, "summarization must not invent content when no model client is configured")
}
