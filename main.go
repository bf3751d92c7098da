package main

import (
	"netsteer/cmd"
)

func main() {
	cmd.Execute()
}
