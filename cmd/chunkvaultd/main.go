package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SajanLamichhane/chunkflow/build"
)

var (
	// Flags.
	apiAddr string // address the API listens on
	dataDir string // root directory for blobs, metadata, and logs
	baseURL string // external URL prefix used in returned file URLs
)

// exit codes
// inspired by sysexits.h
const (
	exitCodeGeneral = 1  // Not in sysexits.h, but is standard practice.
	exitCodeUsage   = 64 // EX_USAGE in sysexits.h
)

// die prints its arguments to stderr, then exits the program with the default
// error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// versionCmd prints the daemon version and exits.
func versionCmd(*cobra.Command, []string) {
	fmt.Println("Chunkvault Daemon v" + build.Version)
	if build.GitRevision != "" {
		fmt.Println("\tGit Revision " + build.GitRevision)
		fmt.Println("\tBuild Time   " + build.BuildTime)
	}
}

// startDaemonCmd opens the stores, starts the API server, and blocks until
// an interrupt arrives or the server fails.
func startDaemonCmd(*cobra.Command, []string) {
	cfg := Config{
		APIAddr:    apiAddr,
		BlobDir:    filepath.Join(dataDir, "blobs"),
		MetadataDB: filepath.Join(dataDir, "chunkvault.db"),
		LogFile:    filepath.Join(dataDir, "chunkvaultd.log"),
		BaseURL:    baseURL,
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		die("Could not create data directory:", err)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		die("Could not start daemon:", err)
	}

	// Close the server on SIGINT/SIGTERM; Serve returns once the listener
	// closes.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\rCaught stop signal, quitting...")
		srv.Close()
	}()

	fmt.Println("Chunkvault Daemon v" + build.Version)
	fmt.Println("Listening on", apiAddr)
	if err := srv.Serve(); err != nil {
		die("Server error:", err)
	}
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Chunkvault Daemon v" + build.Version,
		Long:  "Chunkvault Daemon v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about the Chunkvault Daemon",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&apiAddr, "api-addr", "a", "localhost:9980", "which address the API listens on")
	root.Flags().StringVarP(&dataDir, "chunkvault-directory", "d", ".", "location of the chunkvault directory")
	root.Flags().StringVar(&baseURL, "base-url", "", "external URL prefix used in returned file URLs (when empty, file URLs are relative /files/ paths)")

	// Parse cmdline flags, overwriting the default values.
	if err := root.Execute(); err != nil {
		// Since no commands return errors (all commands set Command.Run instead of
		// Command.RunE), Command.Execute() should only return an error on an
		// invalid command or flag. Therefore Command.Usage() was called (assuming
		// Command.SilenceUsage is false) and we should exit with exitCodeUsage.
		os.Exit(exitCodeUsage)
	}
}
