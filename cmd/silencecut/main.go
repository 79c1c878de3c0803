package main

import "github.com/forPelevin/silencecut/internal/cli"

func main() { cli.Main() }
