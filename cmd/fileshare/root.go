package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/sanskarpan/File-Share/node"
	"github.com/sanskarpan/File-Share/pkg/logger"
)

var (
	listenPort  int
	sharedDir   string
	downloadDir string
	bootstrap   []string
	interactive bool
)

var rootCmd = &cobra.Command{
	Use:   "fileshare",
	Short: "P2P file-sharing node",
	Long:  `A peer-to-peer file-sharing node that serves a shared directory, downloads from remote peers and tracks peer liveness.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Sugar.Infof("Starting node: port=%d dir=%s", listenPort, sharedDir)

		n, err := node.New(node.Config{
			Port:        listenPort,
			Directory:   sharedDir,
			DownloadDir: downloadDir,
			Bootstrap:   bootstrap,
		}, nil)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		if interactive {
			fmt.Println("P2P File Share Node")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { executor(in, n) },
				completer,
				prompt.OptionPrefix("fileshare> "),
				prompt.OptionTitle("P2P File Share"),
			).Run()
			return nil
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down...")
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntVarP(&listenPort, "port", "p", node.DefaultPort, "Port to listen on")
	rootCmd.Flags().StringVarP(&sharedDir, "directory", "d", node.DefaultDirectory, "Shared directory to advertise")
	rootCmd.Flags().StringVar(&downloadDir, "downloads", node.DefaultDownloads, "Destination directory for downloads")
	rootCmd.Flags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "Bootstrap peer endpoints (ip:port)")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", true, "Start the interactive shell")
}
