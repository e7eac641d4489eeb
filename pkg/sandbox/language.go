package sandbox

import (
	"fmt"
	"slices"
	"sort"
)

type language struct {
	image string
	argv  []string
}

// The snippet is appended as a single argv element; no shell is involved.
var languages = map[string]language{
	"python": {image: "python:3.9-alpine", argv: []string{"python", "-c"}},
	"node":   {image: "node:18-alpine", argv: []string{"node", "-e"}},
}

// JobFor maps a language name and snippet to a Job.
func JobFor(lang, code string) (Job, error) {
	l, ok := languages[lang]
	if !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return Job{
		Language: lang,
		Image:    l.image,
		Argv:     append(slices.Clone(l.argv), code),
	}, nil
}

func Languages() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
