// Package all is a meta-package that imports all review queue backends.
package all

import (
	_ "github.com/antimoltbook/verifier/lib/review/memory"
	_ "github.com/antimoltbook/verifier/lib/review/sqldb"
)
