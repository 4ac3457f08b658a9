package main

import "github.com/JakeFAU/chapterbot/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
