package main

import (
	"io"
	"os"
)

func main() {
	_, _ = io.ReadAll(os.Stdin)
	_, _ = os.Stderr.WriteString("refusing payload\n")
	os.Exit(3)
}
