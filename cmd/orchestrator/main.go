package main

import "github.com/bader1919/freepik-ai-orchestrator/services/orchestrator/cli"

func main() {
	cli.Execute()
}
