package main

import (
	"github.com/luma/kvlink/cmd"
)

func main() {
	cmd.Execute()
}
