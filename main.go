package main

import (
	"os"

	"github.com/codechat-universal/codechat/cmd/codechat"
)

func main() {
	if err := codechat.Execute(); err != nil {
		os.Exit(1)
	}
}
