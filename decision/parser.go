package decision

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Parse extracts the chain of thought and the action array from a raw LLM
// response. prices maps symbol to current mark price and is used to validate
// stop/target placement. Malformed entries are discarded individually with a
// note; a response with no parseable array yields a single "wait" action.
// Parse never returns an empty action list.
func Parse(raw string, prices map[string]float64) *Result {
	result := &Result{
		RawResponse: raw,
		Timestamp:   time.Now(),
	}

	jsonContent, jsonStart := extractActionArray(raw)

	// Chain of thought is everything before the JSON array
	if jsonStart > 0 {
		result.CoTTrace = strings.TrimSpace(raw[:jsonStart])
	} else {
		result.CoTTrace = strings.TrimSpace(raw)
	}

	if jsonContent == "" {
		log.Printf("⚠️  No action array found in response, falling back to 'wait'")
		result.ParseNotes = append(result.ParseNotes, "no JSON action array found in response")
		result.Actions = []Action{fallbackWait(result.CoTTrace)}
		return result
	}

	jsonContent = fixSmartQuotes(jsonContent)
	jsonContent = stripTrailingCommas(jsonContent)

	// Decode element by element so one malformed entry does not take down
	// its well-formed siblings
	var rawItems []json.RawMessage
	if err := json.Unmarshal([]byte(jsonContent), &rawItems); err != nil {
		log.Printf("⚠️  Action array failed to decode: %v (content: %s)", err, truncate(jsonContent, 300))
		result.ParseNotes = append(result.ParseNotes, fmt.Sprintf("action array failed to decode: %v", err))
		result.Actions = []Action{fallbackWait(result.CoTTrace)}
		return result
	}

	for i, item := range rawItems {
		var action Action
		if err := json.Unmarshal(item, &action); err != nil {
			result.ParseNotes = append(result.ParseNotes, fmt.Sprintf("action #%d discarded: %v", i+1, err))
			continue
		}
		if err := action.validate(prices[action.Symbol]); err != nil {
			result.ParseNotes = append(result.ParseNotes, fmt.Sprintf("action #%d (%s %s) discarded: %v", i+1, action.Kind, action.Symbol, err))
			continue
		}
		result.Actions = append(result.Actions, action)
	}

	if len(result.Actions) == 0 {
		result.Actions = []Action{fallbackWait(result.CoTTrace)}
	}

	result.Actions = sortActions(result.Actions)
	return result
}

// fallbackWait builds the safe default action, borrowing the first line of
// the chain of thought as reasoning when available
func fallbackWait(cotTrace string) Action {
	reasoning := "No trades - awaiting better opportunities"
	if cotTrace != "" {
		firstLineEnd := strings.Index(cotTrace, "\n")
		if firstLineEnd > 0 && firstLineEnd < 200 {
			reasoning = strings.TrimSpace(cotTrace[:firstLineEnd])
		} else if len(cotTrace) > 200 {
			reasoning = strings.TrimSpace(cotTrace[:200]) + "..."
		} else {
			reasoning = strings.TrimSpace(cotTrace)
		}
	}
	return Action{Kind: Wait, Symbol: "ALL", Reasoning: reasoning}
}

// extractActionArray locates the JSON action array in the response and
// returns its content plus its start offset (-1 when not found).
// Checks a ```json code block first, then scans for a [{ pattern.
func extractActionArray(response string) (string, int) {
	// Method 1: fenced code block
	if blockStart := strings.Index(response, "```json"); blockStart != -1 {
		contentStart := blockStart + len("```json")
		if blockEnd := strings.Index(response[contentStart:], "```"); blockEnd != -1 {
			inner := response[contentStart : contentStart+blockEnd]
			if innerStart := findObjectArrayStart(inner); innerStart != -1 {
				arrayStart := contentStart + innerStart
				if arrayEnd := findMatchingBracket(response, arrayStart); arrayEnd != -1 {
					return strings.TrimSpace(response[arrayStart : arrayEnd+1]), blockStart
				}
			}
		}
	}

	// Method 2: bare [{ pattern anywhere in the response
	if arrayStart := findObjectArrayStart(response); arrayStart != -1 {
		if arrayEnd := findMatchingBracket(response, arrayStart); arrayEnd != -1 {
			return strings.TrimSpace(response[arrayStart : arrayEnd+1]), arrayStart
		}
	}

	return "", -1
}

// findObjectArrayStart finds the first [ whose next non-space character is {.
// Requiring an object element avoids matching the numeric arrays that show
// up inside chain-of-thought analysis.
func findObjectArrayStart(text string) int {
	searchPos := 0
	for {
		openBracket := strings.Index(text[searchPos:], "[")
		if openBracket == -1 {
			return -1
		}
		openBracket += searchPos

		afterBracket := openBracket + 1
		for afterBracket < len(text) && isSpace(text[afterBracket]) {
			afterBracket++
		}
		if afterBracket < len(text) && text[afterBracket] == '{' {
			if findMatchingBracket(text, openBracket) != -1 {
				return openBracket
			}
		}

		searchPos = openBracket + 1
		if searchPos >= len(text) {
			return -1
		}
	}
}

// findMatchingBracket finds the ] matching the [ at start
func findMatchingBracket(s string, start int) int {
	if start >= len(s) || s[start] != '[' {
		return -1
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// fixSmartQuotes replaces typographic quotes that break json.Unmarshal
func fixSmartQuotes(s string) string {
	s = strings.ReplaceAll(s, "“", "\"")
	s = strings.ReplaceAll(s, "”", "\"")
	s = strings.ReplaceAll(s, "‘", "'")
	s = strings.ReplaceAll(s, "’", "'")
	return s
}

// stripTrailingCommas removes trailing commas before closing braces/brackets.
// Valid JSON never matches these patterns.
func stripTrailingCommas(s string) string {
	for {
		original := s
		s = strings.ReplaceAll(s, ",}", "}")
		s = strings.ReplaceAll(s, ", }", " }")
		s = strings.ReplaceAll(s, ",]", "]")
		s = strings.ReplaceAll(s, ", ]", " ]")
		if s == original {
			return s
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
