// Package prompts provides the prompt templates of every workflow step, with
// project and user override directories.
package prompts

import "embed"

//go:embed phase1/*.md phase2/*.md shared/*.md
var embeddedFS embed.FS
