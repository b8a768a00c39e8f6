package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

var (
	multiValueKeys = map[string]bool{
		"SOURCE_PATHS": true,
	}

	blockValueKeys = map[string]bool{
		"SOURCE_PATHS": true,
	}
)

// parseEnvFile reads a KEY=value file. SOURCE_PATHS may be repeated or
// written as a multi-line block:
//
//	SOURCE_PATHS="
//	/srv/app
//	/etc/app
//	"
func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if isComment(trimmed) {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}

		if blockValueKeys[key] && trimmed == key+`="` {
			var blockLines []string
			terminated := false
			for scanner.Scan() {
				next := strings.TrimRight(scanner.Text(), "\r")
				if strings.TrimSpace(next) == `"` {
					terminated = true
					break
				}
				if isComment(next) {
					continue
				}
				blockLines = append(blockLines, strings.TrimSpace(next))
			}
			if !terminated {
				return nil, fmt.Errorf("unterminated multi-line value for %s", key)
			}
			raw[key] = appendValue(raw[key], strings.Join(blockLines, "\n"), multiValueKeys[key])
			continue
		}

		raw[key] = appendValue(raw[key], value, multiValueKeys[key])
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}

func appendValue(existing, value string, multi bool) string {
	if multi && existing != "" && value != "" {
		return existing + "\n" + value
	}
	return value
}

func isComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

// splitKeyValue splits `KEY=value`, `export KEY="value" # comment` and
// friends into key and unquoted value.
func splitKeyValue(line string) (string, string, bool) {
	keyPart, valuePart, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key := strings.TrimSpace(keyPart)
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	if key == "" {
		return "", "", false
	}

	valuePart = strings.TrimSpace(valuePart)
	if valuePart != "" && (valuePart[0] == '"' || valuePart[0] == '\'') {
		quote := valuePart[0]
		if end := closingQuoteIndex(valuePart, quote); end >= 0 {
			inner := valuePart[1:end]
			if quote == '"' {
				inner = strings.ReplaceAll(inner, `\"`, `"`)
			}
			return key, inner, true
		}
	}
	if idx := inlineCommentIndex(valuePart); idx >= 0 {
		valuePart = strings.TrimSpace(valuePart[:idx])
	}
	return key, trimQuotes(valuePart), true
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// inlineCommentIndex returns the index of a '#' starting an inline comment,
// ignoring quoted or escaped hashes. A hash glued to a value (abc#1) is data.
func inlineCommentIndex(line string) int {
	var quote byte
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			escaped = true
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t'):
			return i
		}
	}
	return -1
}

func closingQuoteIndex(s string, quote byte) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == quote:
			return i
		}
	}
	return -1
}

// SetEnvValue sets KEY=value in an env template, keeping indentation,
// an `export` prefix and any trailing comment. Missing keys are appended.
func SetEnvValue(template, key, value string) string {
	lines := strings.Split(template, "\n")
	replaced := false
	for i, line := range lines {
		if isComment(line) {
			continue
		}
		current, _, ok := splitKeyValue(line)
		if !ok || current != key {
			continue
		}

		trimmedLeft := strings.TrimLeft(line, " \t")
		leading := line[:len(line)-len(trimmedLeft)]
		prefix := ""
		if strings.HasPrefix(trimmedLeft, "export ") {
			prefix = "export "
		}

		newLine := leading + prefix + key + "=" + quoteIfNeeded(value)
		_, rest, _ := strings.Cut(line, "=")
		if idx := inlineCommentIndex(strings.TrimSpace(rest)); idx >= 0 {
			newLine += " " + strings.TrimSpace(rest)[idx:]
		}
		lines[i] = newLine
		replaced = true
	}
	if !replaced {
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = append(lines[:n-1], key+"="+quoteIfNeeded(value), "")
		} else {
			lines = append(lines, key+"="+quoteIfNeeded(value))
		}
	}
	return strings.Join(lines, "\n")
}

func quoteIfNeeded(value string) string {
	if value == "" || strings.ContainsAny(value, " \t#'\"") {
		return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
	}
	return value
}
