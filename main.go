// The main package for the storypipe executable.
package main

import "github.com/newsarc/pipeline/cmd"

func main() {
	cmd.Execute()
}
