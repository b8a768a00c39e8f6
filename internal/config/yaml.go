package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlAliases maps flattened YAML keys that differ from their env names.
var yamlAliases = map[string]string{
	"REMOTE_ENDPOINT_METHOD": "DELIVERY_METHOD",
	"DB_PASS":                "DB_PASSWORD",
}

// parseYAMLFile reads a YAML configuration and flattens it into the same
// KEY=value space used by env files. Nested maps are joined with "_"
// (telegram.bot_token -> TELEGRAM_BOT_TOKEN), except that children of
// remote_endpoint are lifted to the top level. Lists become newline
// separated values.
func parseYAMLFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (map[string]string, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML configuration: %w", err)
	}

	raw := make(map[string]string)
	if err := flattenYAML("", doc, raw); err != nil {
		return nil, err
	}
	for from, to := range yamlAliases {
		if v, ok := raw[from]; ok {
			if _, exists := raw[to]; !exists {
				raw[to] = v
			}
			delete(raw, from)
		}
	}
	return raw, nil
}

func flattenYAML(prefix string, node map[string]interface{}, out map[string]string) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(k), "-", "_"))
		if prefix != "" {
			key = prefix + "_" + key
		}

		switch v := node[k].(type) {
		case map[string]interface{}:
			childPrefix := key
			if key == "REMOTE_ENDPOINT" {
				childPrefix = ""
				if method, ok := v["method"]; ok {
					out["DELIVERY_METHOD"] = scalarString(method)
				}
			}
			if err := flattenYAML(childPrefix, v, out); err != nil {
				return err
			}
		case []interface{}:
			items := make([]string, 0, len(v))
			for _, item := range v {
				if _, nested := item.(map[string]interface{}); nested {
					return fmt.Errorf("invalid YAML configuration: %s must be a list of scalars", strings.ToLower(key))
				}
				items = append(items, scalarString(item))
			}
			out[key] = strings.Join(items, "\n")
		default:
			out[key] = scalarString(v)
		}
	}
	return nil
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
