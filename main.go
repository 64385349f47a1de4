package main

import "github.com/nikogura/resume-workflow/cmd"

func main() {
	cmd.Execute()
}
