package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/blockify-ai/distillery/pkg/models"
)

// The distill model answers with ideablock fragments, but field names and
// casing drift between model versions, and long responses are sometimes
// truncated mid-block. Parsing is therefore greedy and alias-tolerant:
// complete blocks first, then the truncated tail, then JSON fallbacks.
var (
	ideablockRe = regexp.MustCompile(`(?is)<ideablock[^>]*>(.*?)</ideablock>`)
	truncatedRe = regexp.MustCompile(`(?is)<ideablock[^>]*>(.*?)(?:</ideablock>|$)`)
	nameRe      = regexp.MustCompile(`(?is)<(?:name|n)>(.*?)</(?:name|n)>`)
	questionRe  = regexp.MustCompile(`(?is)<(?:critical_question|criticalQuestion|question)>(.*?)</(?:critical_question|criticalQuestion|question)>`)
	answerRe    = regexp.MustCompile(`(?is)<(?:trusted_answer|trustedAnswer|answer)>(.*?)</(?:trusted_answer|trustedAnswer|answer)>`)
	fencedJSON  = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// ParseIdeaBlocks extracts every valid ideablock from a distill response.
// A block is valid only when name, critical question and trusted answer
// are all non-empty after trimming. Returns nil when nothing parses.
func ParseIdeaBlocks(content string) []models.BlockContent {
	if content == "" {
		return nil
	}

	if blocks := extractAll(ideablockRe, content); len(blocks) > 0 {
		return blocks
	}

	// Truncated response: accept the last opened ideablock up to EOF.
	if blocks := extractAll(truncatedRe, content); len(blocks) > 0 {
		return blocks
	}

	if b, ok := parseJSONBlock(content); ok {
		return []models.BlockContent{b}
	}
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		if b, ok := parseJSONBlock(m[1]); ok {
			return []models.BlockContent{b}
		}
	}

	// Bare field tags without an enclosing ideablock element.
	if b, ok := extractFields(content); ok {
		return []models.BlockContent{b}
	}
	return nil
}

func extractAll(re *regexp.Regexp, content string) []models.BlockContent {
	var blocks []models.BlockContent
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		if b, ok := extractFields(m[1]); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func extractFields(fragment string) (models.BlockContent, bool) {
	name := firstMatch(nameRe, fragment)
	question := firstMatch(questionRe, fragment)
	answer := firstMatch(answerRe, fragment)
	if name == "" || question == "" || answer == "" {
		return models.BlockContent{}, false
	}
	return models.BlockContent{
		Name:             name,
		CriticalQuestion: question,
		TrustedAnswer:    answer,
	}, true
}

func firstMatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func parseJSONBlock(s string) (models.BlockContent, bool) {
	var raw struct {
		Name             string `json:"name"`
		CriticalQuestion string `json:"criticalQuestion"`
		TrustedAnswer    string `json:"trustedAnswer"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return models.BlockContent{}, false
	}
	b := models.BlockContent{
		Name:             strings.TrimSpace(raw.Name),
		CriticalQuestion: strings.TrimSpace(raw.CriticalQuestion),
		TrustedAnswer:    strings.TrimSpace(raw.TrustedAnswer),
	}
	if b.Name == "" || b.CriticalQuestion == "" || b.TrustedAnswer == "" {
		return models.BlockContent{}, false
	}
	return b, true
}
