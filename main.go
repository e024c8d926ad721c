package main

import (
	"github.com/DocFoxHound/Beowulf-sub003/cmd"
)

func main() {
	cmd.Execute()
}
