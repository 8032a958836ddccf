package data

import "embed"

var (
	//go:embed verifier.yaml
	Policies embed.FS
)
