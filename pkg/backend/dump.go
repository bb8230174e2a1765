package backend

import (
	"fmt"
	"sort"
	"strings"
)

// secretKeys are the parameter name fragments whose values are never logged.
var secretKeys = []string{"password", "secret", "token", "key"}

func printValue(key string, value interface{}) string {
	s := fmt.Sprint(value)
	if s == "" {
		return `""`
	}
	name := strings.ToLower(key[strings.LastIndex(key, ".")+1:])
	for _, secret := range secretKeys {
		if strings.Contains(name, secret) {
			return "<REDACTED>"
		}
	}
	return fmt.Sprintf("%q", s)
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(prefix+k+".", nested, out)
			continue
		}
		out[prefix+k] = v
	}
}

// DumpParameters renders parameters on one line, with credentials redacted.
func DumpParameters(parameters map[string]interface{}) string {
	flat := map[string]interface{}{}
	flatten("", parameters, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sep := ""
	s := ""
	for _, k := range keys {
		s += fmt.Sprintf("%s%s=%s", sep, k, printValue(k, flat[k]))
		sep = ", "
	}
	return s
}
