package catalog

import (
	"fmt"
	"sort"

	"github.com/imagekeeper/imagekeeper/defaults"
)

// changeKeys are the managed tags that trigger a replacement when they differ.
var changeKeys = []string{defaults.TagLocation, defaults.TagFormat, defaults.TagVersion}

func pick(tags map[string]string, keys []string) map[string]string {
	res := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := tags[k]; ok && v != "" {
			res[k] = v
		}
	}
	return res
}

func printDiff(oldv, newv map[string]string, printer func(key, typ, oldv, newv string)) {
	diff := make(map[string][]string)

	for k, v := range newv {
		if _, ok := oldv[k]; !ok {
			diff[k] = []string{"n", "", v}
		}
	}
	for k, v := range oldv {
		if _, ok := newv[k]; !ok {
			diff[k] = []string{"o", v, ""}
		} else if v != newv[k] {
			diff[k] = []string{"c", v, newv[k]}
		}
	}

	if len(diff) == 0 {
		return
	}

	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		printer(k, diff[k][0], diff[k][1], diff[k][2])
	}
}

// DiffTags returns a human readable description of the changes between two
// tag sets, or an empty string when they are equal.
func DiffTags(oldTags, newTags map[string]string) string {
	sep := ""
	s := ""
	printDiff(oldTags, newTags, func(key, typ, oldv, newv string) {
		switch typ {
		case "n":
			s += fmt.Sprintf("%sadded:%s=%q", sep, key, newv)
		case "o":
			s += fmt.Sprintf("%sremoved:%s=%q", sep, key, oldv)
		case "c":
			s += fmt.Sprintf("%schanged:%s={%q -> %q}", sep, key, oldv, newv)
		}
		sep = ", "
	})
	return s
}
