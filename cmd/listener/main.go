package main

import (
	"github.com/JakeFAU/indieweb-listener/cmd"
)

func main() {
	cmd.Execute()
}
