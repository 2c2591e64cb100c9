package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [fileID] [destination]",
	Short: "Download a completed file",
	Long: "Download a completed file by its id, assembling the stored chunks in order. With --range only the requested " +
		"byte range is fetched.",
	Run: wrap(downloadcmd),
}

func downloadcmd(fileID, destination string) {
	req, err := http.NewRequest(http.MethodGet, daemonURL("/files/"+fileID), nil)
	if err != nil {
		die("Could not build request:", err)
	}
	if downloadRange != "" {
		req.Header.Set("Range", "bytes="+downloadRange)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		die("No response from daemon:", err)
	}
	defer resp.Body.Close()
	if non2xx(resp.StatusCode) {
		die("Download failed:", decodeError(resp))
	}

	f, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		die("Could not create destination file:", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		die("Download interrupted after", n, "bytes:", err)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		fmt.Printf("Downloaded %d bytes (%s) to %s\n", n, cr, destination)
	} else {
		fmt.Printf("Downloaded %d bytes to %s\n", n, destination)
	}
}
