package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const patchEnvelopeSchema = `{
  "type": "object",
  "required": ["op", "file", "status"],
  "additionalProperties": false,
  "properties": {
    "op": {"type": "string", "enum": ["create", "update", "delete", "rename", "chmod"]},
    "file": {"type": "string", "description": "repo-relative POSIX path"},
    "body": {"type": "string"},
    "body_b64": {"type": "string"},
    "target": {"type": "string", "description": "repo-relative POSIX path, required for rename"},
    "mode": {"type": "string", "enum": ["644", "755", "0644", "0755"], "description": "required for chmod"},
    "status": {"type": "string", "enum": ["in_progress", "completed"]}
  }
}
`

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the patch envelope JSON schema the model must produce",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(patchEnvelopeSchema)
		return nil
	},
}
