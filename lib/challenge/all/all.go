// Package all registers every challenge kind.
package all

import (
	_ "github.com/antimoltbook/verifier/lib/challenge/drawing"
	_ "github.com/antimoltbook/verifier/lib/challenge/speedtype"
	_ "github.com/antimoltbook/verifier/lib/challenge/typing"
)
