// Package tmpl implements the `#{var}` substitution used by SmsEngine's
// webhook body template and Ipv6Fwd's webhook body/ link templates
// (spec.md §4.4, §4.5).
//
// Design note (spec.md §9 "Template substitution"): the source's
// loop-until-fixed-point approach re-scans the output after every
// substitution, which is safe for disjoint variable names but can blow up
// if a value itself contains a `#{var}`-shaped token. Substitute performs a
// single left-to-right pass over the template, emitting to an output
// buffer, so behavior is independent of value content and always
// terminates (spec.md §8 invariant 4).
package tmpl

import "strings"

// Substitute replaces every `#{key}` occurrence in template with its value
// from vars in a single pass. Keys absent from vars are left untouched.
func Substitute(template string, vars map[string]string) string {
	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "#{")
		if start < 0 {
			out.WriteString(template[i:])
			break
		}
		start += i
		out.WriteString(template[i:start])

		end := strings.IndexByte(template[start+2:], '}')
		if end < 0 {
			// Unterminated "#{" — emit literally and stop scanning for more.
			out.WriteString(template[start:])
			break
		}
		end += start + 2

		key := template[start+2 : end]
		if val, ok := vars[key]; ok {
			out.WriteString(val)
		} else {
			out.WriteString(template[start : end+1])
		}
		i = end + 1
	}

	return out.String()
}
