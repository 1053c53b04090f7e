package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tutor-chat/cmd/tutor-chat/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("tutor-chat failed")
		os.Exit(1)
	}
}
