// Package cli is the interactive peerdrop client: a cobra entrypoint that
// drops into a readline loop driving one node.
package cli

import (
	"log"

	"github.com/peerdrop/peerdrop/internal/settings"
	"github.com/peerdrop/peerdrop/internal/signaling"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagURL   string
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:   `peerdrop`,
	Short: "send files and messages to nearby peers",
	Long:  `peerdrop connects to a relay, pairs with other clients over peer to peer channels and transfers files and text directly between devices`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := logrus.New()
		logger.SetLevel(logrus.ErrorLevel)
		if flagDebug {
			logger.SetLevel(logrus.DebugLevel)
		}

		var store signaling.SettingsStore
		if s := openSettings(logger); s != nil {
			store = s
		}
		url := signaling.ResolveURL(flagURL, store)

		session := newSession(url, logger)
		if err := session.run(); err != nil {
			log.Fatal(err)
		}
	},
}

var setURLCmd = &cobra.Command{
	Use:   "set-url <relay-url>",
	Short: "persist the relay url used on startup",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openSettings(logrus.New())
		if store == nil {
			log.Fatal("settings store unavailable")
		}
		if err := store.SetSignalingURL(args[0]); err != nil {
			log.Fatal(err)
		}
		log.Printf("relay url set to %s", args[0])
	},
}

func openSettings(logger *logrus.Logger) *settings.Store {
	path, err := settings.DefaultPath()
	if err != nil {
		logger.Debugf("No settings path: %v", err)
		return nil
	}
	store, err := settings.NewStore(path)
	if err != nil {
		logger.Debugf("Failed to open settings store: %v", err)
		return nil
	}
	return store
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "relay url, overrides the stored one")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")
	rootCmd.AddCommand(setURLCmd)
}
