package launcher

import "strings"

// Parse splits a space-delimited flag string into tokens. Tokens are
// expected as --flag or --flag=value; quoting is not supported, matching
// how Chromium-family launchers word-split their flag env vars.
func Parse(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	return strings.Fields(input)
}

// Merge combines user-supplied flags with the flags the bridge itself
// needs. Duplicates collapse by flag name with the later occurrence
// winning, so required flags override user ones while keeping the user's
// ordering for everything else.
func Merge(user, required []string) []string {
	out := make([]string, 0, len(user)+len(required))
	index := make(map[string]int, len(user)+len(required))
	for _, tok := range append(append([]string{}, user...), required...) {
		if tok == "" {
			continue
		}
		name := flagName(tok)
		if i, ok := index[name]; ok {
			out[i] = tok
			continue
		}
		index[name] = len(out)
		out = append(out, tok)
	}
	return out
}

// flagName is the token up to the first '='. Bare positional arguments are
// their own name, so only exact repeats collapse.
func flagName(tok string) string {
	if i := strings.IndexByte(tok, '='); i >= 0 {
		return tok[:i]
	}
	return tok
}
