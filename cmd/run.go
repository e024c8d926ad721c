package cmd

import (
	"github.com/DocFoxHound/Beowulf-sub003/beowulf"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Beowulf presence tracker and operator API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := beowulf.New(cfg)
			if err != nil {
				log.Fatalf("error creating beowulf: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running beowulf: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
