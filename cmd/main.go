// Command jira-mirror mirrors Jira Cloud sites into a local SQLite database.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
