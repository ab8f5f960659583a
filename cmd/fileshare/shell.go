package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/sanskarpan/File-Share/node"
)

func executor(in string, n *node.Node) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		n.Stop()
		os.Exit(0)

	case "peers":
		peerList := n.Peers()
		if len(peerList) == 0 {
			fmt.Println("No known peers.")
			return
		}
		for _, p := range peerList {
			state := "inactive"
			if p.Active {
				state = "active"
			}
			fmt.Printf("  %s  %s  %s  files=%d  last seen %s\n",
				p.ID, p.Addr(), state, len(p.Files), p.LastSeen.Format(time.Stamp))
		}

	case "files":
		target := ""
		if len(blocks) > 1 {
			target = blocks[1]
		}
		files, err := n.Files(target)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(files) == 0 {
			fmt.Println("No files.")
			return
		}
		for _, f := range files {
			fmt.Printf("  %-40s %10d bytes  %s\n", f.Name, f.Size, f.Hash)
		}

	case "get":
		if len(blocks) < 2 {
			fmt.Println("Usage: get <filename> [destination]")
			return
		}
		dest := ""
		if len(blocks) > 2 {
			dest = blocks[2]
		}
		if err := n.Get(blocks[1], dest); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Download queued. Use 'downloads' to track progress.")

	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <path>")
			return
		}
		if err := n.Share(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("File shared.")

	case "connect":
		if len(blocks) < 3 {
			fmt.Println("Usage: connect <ip> <port>")
			return
		}
		port, err := strconv.Atoi(blocks[2])
		if err != nil || port <= 0 {
			fmt.Println("Invalid port:", blocks[2])
			return
		}
		snap, err := n.Connect(blocks[1], port)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Connected to %s (%d files advertised).\n", snap.Addr(), len(snap.Files))

	case "status":
		st := n.Status()
		fmt.Printf("Node ID:          %s\n", st.ID)
		fmt.Printf("Listening on:     %d\n", st.Port)
		fmt.Printf("Shared directory: %s\n", st.Directory)
		fmt.Printf("Shared files:     %d\n", st.SharedFiles)
		fmt.Printf("Peers:            %d (%d active)\n", st.TotalPeers, st.ActivePeers)
		fmt.Printf("Connections:      %d\n", st.Connections)
		fmt.Printf("Bytes served:     %d\n", st.BytesServed)
		fmt.Printf("Bytes fetched:    %d\n", st.BytesFetched)
		fmt.Printf("Downloads:        %d\n", st.Downloads)

	case "downloads":
		snaps := n.Downloads()
		if len(snaps) == 0 {
			fmt.Println("No downloads.")
			return
		}
		for _, d := range snaps {
			state := "in progress"
			if d.Completed {
				state = "completed"
			} else if d.Failed {
				state = "failed: " + d.ErrorMessage
			}
			fmt.Printf("  %-40s %10d bytes  %.2f MB/s  %s\n", d.Filename, d.DownloadedSize, d.SpeedMbps, state)
		}

	case "cancel":
		if len(blocks) < 2 {
			fmt.Println("Usage: cancel <filename>")
			return
		}
		if n.Cancel(blocks[1]) {
			fmt.Println("Download cancelled.")
		} else {
			fmt.Println("No active download for", blocks[1])
		}

	case "refresh":
		if err := n.Refresh(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Index refreshed.")

	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  peers                      - List known peers")
		fmt.Println("  files [local|peer_id]      - List local or remote files")
		fmt.Println("  get <filename> [dest]      - Download a file from peers")
		fmt.Println("  share <path>               - Share a file")
		fmt.Println("  connect <ip> <port>        - Connect to a peer")
		fmt.Println("  status                     - Show node status")
		fmt.Println("  downloads                  - Show download progress")
		fmt.Println("  cancel <filename>          - Cancel an active download")
		fmt.Println("  refresh                    - Rescan the shared directory")
		fmt.Println("  exit                       - Stop the node and exit")

	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "peers", Description: "List known peers"},
		{Text: "files", Description: "List local or remote files"},
		{Text: "get", Description: "Download a file"},
		{Text: "share", Description: "Share a file"},
		{Text: "connect", Description: "Connect to a peer"},
		{Text: "status", Description: "Show node status"},
		{Text: "downloads", Description: "Show download progress"},
		{Text: "cancel", Description: "Cancel an active download"},
		{Text: "refresh", Description: "Rescan the shared directory"},
		{Text: "help", Description: "Show help"},
		{Text: "exit", Description: "Stop the node and exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}
