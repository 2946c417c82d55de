package main

import (
	"os"

	"github.com/tillberg/autorestart"

	"github.com/soyeahso/calldesk/internal/cli"
)

func main() {
	if os.Getenv("CALLDESK_AUTORESTART") != "" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
