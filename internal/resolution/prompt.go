package resolution

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/types"
)

// llmRelationship is one relationship in the model's JSON output.
type llmRelationship struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// llmResponse is the expected top-level shape.
type llmResponse struct {
	Relationships []llmRelationship `json:"relationships"`
}

var basePromptTemplate = template.Must(template.New("base").Parse(
	`You are analyzing code entities from one source file to find relationships between them.

File: {{.FilePath}}

Entities (semantic ids):
{{range .Tokens}}- {{.}}
{{end}}
Identify relationships (CALLS, USES, IMPORTS, EXTENDS, IMPLEMENTS, REFERENCES) between these entities. For each relationship report the evidence you relied on, quoted from the entity names or structure, and a confidence in [0,1].

Respond with JSON only, in this exact shape:
{"relationships":[{"from":"<semantic id>","to":"<semantic id>","type":"<TYPE>","reason":"<one sentence>","confidence":0.0,"evidence":"<quote>"}]}`))

type basePromptData struct {
	FilePath string
	Tokens   []string
}

func buildBasePrompt(filePath string, tokens []string) (string, error) {
	var sb strings.Builder
	if err := basePromptTemplate.Execute(&sb, basePromptData{FilePath: filePath, Tokens: tokens}); err != nil {
		return "", fmt.Errorf("render base prompt: %w", err)
	}
	return sb.String(), nil
}

// enhancedPromptHints steer the re-prompt at the weakest scoring factor.
var enhancedPromptHints = map[confidence.FocusArea]string{
	confidence.FocusSyntax:   "Focus on structural evidence: which identifier in one entity directly names or invokes the other?",
	confidence.FocusSemantic: "Focus on naming and domain alignment: do these entities belong to the same domain concept, and does the relationship type fit their roles?",
	confidence.FocusContext:  "Focus on architectural context: are these entities in the same module or layer, and is a dependency in this direction plausible there?",
	confidence.FocusCrossRef: "Focus on corroboration: what independent signals (other entities, naming conventions, export status) support this relationship?",
}

func buildEnhancedPrompt(filePath string, item llmRelationship, focus confidence.FocusArea) string {
	hint := enhancedPromptHints[focus]
	return fmt.Sprintf(`Re-examine one proposed relationship from %s.

Proposed: %s -[%s]-> %s
Original reason: %s

%s

Respond with JSON only:
{"relationships":[{"from":%q,"to":%q,"type":%q,"reason":"<revised>","confidence":0.0,"evidence":"<quote>"}]}`,
		filePath, item.From, item.Type, item.To, item.Reason, hint, item.From, item.To, item.Type)
}

// parseResponse extracts the relationship list from raw model output,
// tolerating markdown code fences around the JSON.
func parseResponse(raw string) ([]llmRelationship, error) {
	body := stripFences(raw)
	var resp llmResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("parse llm response: %w", err)
	}
	return resp.Relationships, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// buildEvidence converts one parsed item plus heuristic context into
// scorer input. Semantic-id conventions put the domain first and the
// entity class second (auth_func_validate), which gives two cheap
// corroboration signals.
func buildEvidence(item llmRelationship, conf float64) []confidence.EvidenceItem {
	var items []confidence.EvidenceItem
	if item.Reason != "" {
		items = append(items, confidence.EvidenceItem{
			Factor: confidence.FactorSemantic, Source: "llm-reason",
			Text: item.Reason, Strength: conf,
		})
	}
	if item.Evidence != "" {
		items = append(items, confidence.EvidenceItem{
			Factor: confidence.FactorSyntactic, Source: "llm-evidence",
			Text: item.Evidence, Strength: conf,
		})
	}

	ctxStrength := 0.3
	if domainPrefix(item.From) != "" && domainPrefix(item.From) == domainPrefix(item.To) {
		ctxStrength = 0.8
	}
	items = append(items, confidence.EvidenceItem{
		Factor: confidence.FactorContext, Source: "heuristic",
		Text: "semantic-id domain prefix", Strength: ctxStrength,
	})

	crossStrength := 0.4
	if entityClass(item.From) != "" && entityClass(item.From) == entityClass(item.To) {
		crossStrength = 0.6
	}
	items = append(items, confidence.EvidenceItem{
		Factor: confidence.FactorCrossRef, Source: "heuristic",
		Text: "entity class agreement", Strength: crossStrength,
	})
	return items
}

// domainPrefix returns the leading token of a semantic id
// ("auth" in "auth_func_validate").
func domainPrefix(token string) string {
	if i := strings.IndexByte(token, '_'); i > 0 {
		return token[:i]
	}
	return ""
}

// entityClass returns the second token of a semantic id
// ("func" in "auth_func_validate").
func entityClass(token string) string {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func confidenceOf(item llmRelationship) float64 {
	if item.Confidence != nil {
		return types.ClampConfidence(*item.Confidence)
	}
	return types.DefaultConfidence
}
