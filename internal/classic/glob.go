package classic

import "github.com/gobwas/glob"

// compileGlob mirrors internal/store's pattern matching so both
// generations filter ListUsers/LIST the same way. An empty pattern
// matches everything.
func compileGlob(pattern string) (func(string) bool, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, protocolError("invalid glob pattern")
	}
	return g.Match, nil
}
