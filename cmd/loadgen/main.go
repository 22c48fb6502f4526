package main

import (
	"os"

	"batchd/internal/loadgen"
)

func main() { os.Exit(loadgen.MainWithArgs(os.Args[1:])) }
