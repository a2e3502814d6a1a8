// Package extractor implements the ExtractorClient strategy chain from
// spec §4.12: host-session extraction, a direct model API call, and a
// pure no-LLM fallback. It is the one component permitted to scrub then
// forward data to an external model.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"claudemem/internal/config"
	"claudemem/internal/logging"
	"claudemem/internal/ocerrors"
	"claudemem/internal/scrub"
	"claudemem/internal/types"

	"google.golang.org/genai"
)

// Result is the structured extraction the core consumes.
type Result struct {
	Title     string                 `json:"title"`
	Type      types.ObservationType  `json:"type"`
	Narrative string                 `json:"narrative"`
	Concepts  []string               `json:"concepts"`
	Facts     []string               `json:"facts"`
}

// Summary is the six-field session summary from spec §4.12.
type Summary struct {
	Request      string `json:"request"`
	Investigated string `json:"investigated"`
	Learned      string `json:"learned"`
	Completed    string `json:"completed"`
	NextSteps    string `json:"next_steps"`
	Notes        string `json:"notes"`
}

// HostSession is the first strategy in the chain: a caller-supplied
// extraction already performed by the agent host itself. Extract returns
// (nil, false) when the host did not supply one, letting the chain fall
// through to the next strategy.
type HostSession interface {
	Extract(tool string, args map[string]any, output string) (*Result, bool)
}

var validTypes = map[types.ObservationType]bool{
	types.TypeDecision: true, types.TypeBugfix: true, types.TypeFeature: true,
	types.TypeRefactor: true, types.TypeDiscovery: true, types.TypeChange: true,
}

// Client chains the three strategies described in spec §4.12.
type Client struct {
	cfg    config.ExtractorConfig
	host   HostSession
	genai  *genai.Client
	model  string
}

// New builds a Client. genaiClient may be nil, in which case the direct
// model API strategy is skipped and the chain falls straight to the pure
// fallback whenever the host session has nothing to offer.
func New(cfg config.ExtractorConfig, host HostSession, genaiClient *genai.Client) *Client {
	model := "gemini-2.0-flash"
	return &Client{cfg: cfg, host: host, genai: genaiClient, model: model}
}

// allowedHost reports whether host is on the SSRF allow-list from spec
// §4.12: localhost, 127.0.0.1, *.opencode.ai.
func allowedHost(host string, extra []string) bool {
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	if strings.HasSuffix(host, ".opencode.ai") {
		return true
	}
	for _, h := range extra {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ValidateDispatcherURL enforces the SSRF allow-list before the
// dispatcher URL (if any) is ever dialed.
func (c *Client) ValidateDispatcherURL() error {
	if c.cfg.DispatcherURL == "" {
		return nil
	}
	u, err := url.Parse(c.cfg.DispatcherURL)
	if err != nil {
		return ocerrors.NewValidationError("invalid dispatcher url", []string{err.Error()})
	}
	if !allowedHost(u.Hostname(), c.cfg.AllowedHosts) {
		return ocerrors.NewValidationError("dispatcher host not on allow-list", []string{u.Hostname()})
	}
	return nil
}

// validate checks a Result against the schema from spec §4.12.
func validate(r *Result) error {
	if r == nil {
		return ocerrors.NewValidationError("nil result", nil)
	}
	if r.Title == "" || len([]rune(r.Title)) > types.TitleMaxLen {
		return ocerrors.NewValidationError("title out of bounds", []string{r.Title})
	}
	if !validTypes[r.Type] {
		return ocerrors.NewValidationError("invalid observation type", []string{string(r.Type)})
	}
	if len([]rune(r.Narrative)) < types.NarrativeMinLen {
		return ocerrors.NewValidationError("narrative too short", nil)
	}
	return nil
}

// Extract runs the three-strategy chain: host session, direct model API,
// then a pure no-LLM fallback that never fails (spec §4.12).
func (c *Client) Extract(ctx context.Context, tool string, args map[string]any, output string) Result {
	log := logging.Get(logging.CategoryExtractor)

	scrubbedArgs, _ := scrub.Value(args).(map[string]any)
	scrubbedOutput := scrub.String(output)
	maxChars := c.cfg.MaxOutputChars
	if maxChars <= 0 {
		maxChars = 4000
	}
	if len([]rune(scrubbedOutput)) > maxChars {
		scrubbedOutput = string([]rune(scrubbedOutput)[:maxChars])
	}

	if c.host != nil {
		if r, ok := c.host.Extract(tool, scrubbedArgs, scrubbedOutput); ok {
			if err := validate(r); err == nil {
				return *r
			}
			log.Warn("host session extraction failed validation, falling through")
		}
	}

	if c.genai != nil && c.cfg.APIKey != "" {
		r, err := c.callModel(ctx, tool, scrubbedArgs, scrubbedOutput)
		if err == nil {
			return *r
		}
		log.Warn("direct model extraction failed: %v", err)
		r, err = c.callModel(ctx, tool, scrubbedArgs, scrubbedOutput) // one repair retry
		if err == nil {
			return *r
		}
		log.Warn("model repair retry failed: %v", err)
	}

	return fallback(tool, scrubbedArgs)
}

// fallback synthesizes a minimal observation from tool + args with no LLM
// call (spec §4.12 strategy 3; this strategy never fails).
func fallback(tool string, args map[string]any) Result {
	title := fmt.Sprintf("ran %s", tool)
	if len(title) > types.TitleMaxLen {
		title = title[:types.TitleMaxLen]
	}
	b, _ := json.Marshal(args)
	narrative := fmt.Sprintf("Tool %s was invoked with arguments %s.", tool, string(b))
	if len([]rune(narrative)) < types.NarrativeMinLen {
		narrative = narrative + " No further detail is available."
	}
	return Result{Title: title, Type: types.TypeChange, Narrative: narrative}
}

func (c *Client) callModel(ctx context.Context, tool string, args map[string]any, output string) (*Result, error) {
	timeout := time.Duration(c.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argsJSON, _ := json.Marshal(args)
	prompt := fmt.Sprintf(`Summarize this tool execution as strict JSON matching
{"title":string<=80 chars,"type":"decision|bugfix|feature|refactor|discovery|change","narrative":string>=10 chars,"concepts":[string],"facts":[string]}.
Tool: %s
Args: %s
Output: %s`, tool, string(argsJSON), output)

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, ocerrors.NewUnavailable("genai generate content", err)
	}
	text := resp.Text()
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, ocerrors.NewValidationError("model response not valid json", []string{err.Error()})
	}
	if err := validate(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Summarize implements session summarization from spec §4.12: on any
// failure it returns (Summary{}, false) -- the core must not invent
// content in that case.
func (c *Client) Summarize(ctx context.Context, sessionID string, durationMinutes int, observations []types.Observation) (Summary, bool) {
	log := logging.Get(logging.CategoryExtractor)
	if c.genai == nil || c.cfg.APIKey == "" {
		return Summary{}, false
	}

	var titles []string
	for _, o := range observations {
		titles = append(titles, fmt.Sprintf("[%s] %s", o.Type, o.Title))
	}

	timeout := time.Duration(c.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Summarize this %d-minute session as strict JSON matching
{"request":string,"investigated":string,"learned":string,"completed":string,"next_steps":string,"notes":string}.
Observations:
%s`, durationMinutes, strings.Join(titles, "\n"))

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		log.Warn("session summarization failed for %s: %v", sessionID, err)
		return Summary{}, false
	}

	var s Summary
	if err := json.Unmarshal([]byte(resp.Text()), &s); err != nil {
		log.Warn("session summary response not valid json for %s: %v", sessionID, err)
		return Summary{}, false
	}
	return s, true
}
