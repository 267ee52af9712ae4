package expr

import (
	"fmt"
	"strings"
)

// ParseBlock parses a configuration value that is either a plain value, or an
// if/then/else chain over event variables:
//
//	if sender_domain == 'example.com' then 10/1h else if kind == 'arf' then 1/24h else 1/1h
//
// Conditions use the Parse syntax. A chain without a final else has an empty
// default. Values cannot contain spaces.
func ParseBlock(s string) (Block, error) {
	s = strings.TrimSpace(s)
	var b Block
	if s == "" {
		return b, nil
	}
	if !strings.HasPrefix(s, "if ") {
		if strings.ContainsAny(s, " \t") {
			return Block{}, fmt.Errorf("malformed value %q: contains spaces but is not an if/then/else chain", s)
		}
		b.Default = s
		return b, nil
	}

	for {
		rest, ok := strings.CutPrefix(s, "if ")
		if !ok {
			// Final else value.
			if strings.ContainsAny(s, " \t") {
				return Block{}, fmt.Errorf("malformed else value %q", s)
			}
			b.Default = s
			return b, nil
		}
		i := strings.Index(rest, " then ")
		if i < 0 {
			return Block{}, fmt.Errorf("missing then after condition in %q", s)
		}
		e, err := Parse(rest[:i])
		if err != nil {
			return Block{}, fmt.Errorf("parsing condition %q: %v", rest[:i], err)
		}
		rest = strings.TrimSpace(rest[i+len(" then "):])

		value := rest
		if j := strings.Index(rest, " else"); j >= 0 {
			value, rest = strings.TrimSpace(rest[:j]), strings.TrimSpace(rest[j+len(" else"):])
		} else {
			rest = ""
		}
		if value == "" || strings.ContainsAny(value, " \t") {
			return Block{}, fmt.Errorf("malformed then value %q", value)
		}
		b.IfThens = append(b.IfThens, IfThen{If: e, Then: value})
		if rest == "" {
			return b, nil
		}
		s = rest
	}
}
