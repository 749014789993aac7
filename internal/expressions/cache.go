package expressions

import lru "github.com/hashicorp/golang-lru/v2"

// programCacheSize bounds how many compiled expressions each engine keeps.
// Definitions reuse a small set of expressions, so eviction is rare; ad hoc
// expressions sent through define or run cannot grow memory without limit.
const programCacheSize = 512

func newProgramCache[T any]() *lru.Cache[string, T] {
	c, err := lru.New[string, T](programCacheSize)
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(err)
	}
	return c
}
