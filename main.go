package main

import (
	"ugbridge/cmd"
	"ugbridge/internal/bridge"
)

func main() {
	cmd.SetVersion(bridge.Version)
	cmd.Execute()
}
