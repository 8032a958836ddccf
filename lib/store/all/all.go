// Package all is a meta-package that imports all store implementations.
//
// Import it for side effects wherever a backend is chosen by name from the
// policy file.
package all

import (
	_ "github.com/antimoltbook/verifier/lib/store/bbolt"
	_ "github.com/antimoltbook/verifier/lib/store/memory"
	_ "github.com/antimoltbook/verifier/lib/store/valkey"
)
