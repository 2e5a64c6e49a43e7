package util

import (
	"regexp"
	"strings"
)

// thinkPatterns match reasoning blocks some models emit before the answer
var thinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`),
	regexp.MustCompile(`(?i)<reasoning>([\s\S]*?)</reasoning>`),
	regexp.MustCompile(`<思考>([\s\S]*?)</思考>`),
}

// ContainsThinkTags checks if the response contains think/reasoning tags
func ContainsThinkTags(response string) bool {
	for _, re := range thinkPatterns {
		if re.MatchString(response) {
			return true
		}
	}
	return false
}

// SplitThinkAndAnswer separates reasoning blocks from the final answer.
// Returns (reasoning, answer); reasoning blocks are joined by blank lines.
func SplitThinkAndAnswer(response string) (string, string) {
	var reasoning []string
	answer := response
	for _, re := range thinkPatterns {
		for _, match := range re.FindAllStringSubmatch(answer, -1) {
			if text := strings.TrimSpace(match[1]); text != "" {
				reasoning = append(reasoning, text)
			}
		}
		answer = re.ReplaceAllString(answer, "")
	}
	return strings.Join(reasoning, "\n\n"), strings.TrimSpace(answer)
}

// StripThinkTags removes think/reasoning tags and their content from response
func StripThinkTags(response string) string {
	_, answer := SplitThinkAndAnswer(response)
	return answer
}
