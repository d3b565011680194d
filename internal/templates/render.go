// Package templates fills message templates and loads local template packs.
package templates

import "strings"

// Render replaces every {name} in tpl whose name is present in vars. Names
// missing from vars stay in the output verbatim so the composer can fill them
// in by hand. Substituted values are not scanned again.
func Render(tpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tpl, "{") {
		return tpl
	}
	var b strings.Builder
	b.Grow(len(tpl))
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		name, ok := placeholderAt(rest[open:])
		if !ok {
			b.WriteString(rest[:open+1])
			rest = rest[open+1:]
			continue
		}
		b.WriteString(rest[:open])
		if v, found := vars[name]; found {
			b.WriteString(v)
		} else {
			b.WriteString("{" + name + "}")
		}
		rest = rest[open+len(name)+2:]
	}
}

// Placeholders lists the distinct placeholder names of tpl in order of first use.
func Placeholders(tpl string) []string {
	var names []string
	seen := make(map[string]bool)
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return names
		}
		name, ok := placeholderAt(rest[open:])
		if !ok {
			rest = rest[open+1:]
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		rest = rest[open+len(name)+2:]
	}
}

// placeholderAt reads "{name}" at the start of s. A name is non-empty and
// holds no braces.
func placeholderAt(s string) (string, bool) {
	end := strings.IndexAny(s[1:], "{}")
	if end <= 0 || s[1+end] != '}' {
		return "", false
	}
	return s[1 : 1+end], true
}
