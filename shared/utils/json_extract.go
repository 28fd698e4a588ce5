package utils

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	jsonFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
)

// ExtractJSONObject вытаскивает JSON-объект из ответа модели: из блока ```json```,
// из любого ``` блока или между первой { и последней }.
// Returns "" when nothing parseable is found.
func ExtractJSONObject(rawText string) string {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return ""
	}
	if isValidObject(rawText) {
		return rawText
	}

	for _, m := range jsonFenceRegex.FindAllStringSubmatch(rawText, -1) {
		if result := repairObject(m[1]); result != "" {
			return result
		}
	}

	first := strings.Index(rawText, "{")
	if first == -1 {
		return ""
	}
	last := strings.LastIndex(rawText, "}")
	candidate := rawText[first:]
	if last > first {
		candidate = rawText[first : last+1]
	}
	if result := repairObject(candidate); result != "" {
		return result
	}
	// truncated output: try closing what was opened
	return repairObject(rawText[first:])
}

func isValidObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var js map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// repairObject trims and, if needed, appends the missing closing braces.
func repairObject(content string) string {
	trimmed := strings.TrimSpace(content)
	if isValidObject(trimmed) {
		return trimmed
	}
	balanced := closeBrackets(trimmed)
	if isValidObject(balanced) {
		return balanced
	}
	return ""
}

// closeBrackets appends closing brackets for every unclosed { or [ outside strings.
func closeBrackets(text string) string {
	var stack []rune
	inString, escape := false, false
	for _, r := range text {
		if escape {
			escape = false
			continue
		}
		switch {
		case r == '\\' && inString:
			escape = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '{':
			stack = append(stack, '}')
		case r == '[':
			stack = append(stack, ']')
		case r == '}' || r == ']':
			if len(stack) > 0 && stack[len(stack)-1] == r {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var sb strings.Builder
	sb.WriteString(text)
	if inString {
		sb.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteRune(stack[i])
	}
	return sb.String()
}

// StringShort обрезает строку до указанной максимальной длины в рунах,
// добавляя многоточие, если строка была обрезана.
func StringShort(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
