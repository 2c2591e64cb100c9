package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/SajanLamichhane/chunkflow/build"
	"github.com/SajanLamichhane/chunkflow/protocol"
)

var (
	// Flags.
	addr          string // override default API address
	clientDir     string // where the client keeps its progress database
	downloadRange string // optional byte range for file downloads
)

// Exit codes.
// inspired by sysexits.h
const (
	exitCodeGeneral = 1  // Not in sysexits.h, but is standard practice.
	exitCodeUsage   = 64 // EX_USAGE in sysexits.h
)

// non2xx returns true for non-success HTTP status codes.
func non2xx(code int) bool {
	return code < 200 || code > 299
}

// decodeError returns the error message from a non-2xx API response. The
// error returned may be a JSON decoding error if the body is not the
// daemon's error shape.
func decodeError(resp *http.Response) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return err
	}
	return errors.New(apiErr.Message)
}

// daemonURL joins the daemon address with a call path, defaulting the host
// to localhost when only a port was supplied.
func daemonURL(call string) string {
	if host, port, _ := net.SplitHostPort(addr); host == "" {
		addr = net.JoinHostPort("localhost", port)
	}
	return "http://" + addr + call
}

// apiGet wraps a GET request with a status code check, such that if the GET
// does not return 2xx, the error will be read and returned. The response
// body is not closed.
func apiGet(call string) (*http.Response, error) {
	resp, err := http.Get(daemonURL(call))
	if err != nil {
		return nil, errors.New("no response from daemon")
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errors.New("API call not recognized: " + call)
	}
	if non2xx(resp.StatusCode) {
		err := decodeError(resp)
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// getAPI makes a GET API call and decodes the response. An error is returned
// if the response status is not 2xx.
func getAPI(call string, obj interface{}) error {
	resp, err := apiGet(call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(obj)
}

// wrap wraps a generic command with a check that the command has been
// passed the correct number of arguments. The command must take only strings
// as arguments.
func wrap(fn interface{}) func(*cobra.Command, []string) {
	fnVal, fnType := reflect.ValueOf(fn), reflect.TypeOf(fn)
	if fnType.Kind() != reflect.Func {
		panic("wrapped function has wrong type signature")
	}
	for i := 0; i < fnType.NumIn(); i++ {
		if fnType.In(i).Kind() != reflect.String {
			panic("wrapped function has wrong type signature")
		}
	}

	return func(cmd *cobra.Command, args []string) {
		if len(args) != fnType.NumIn() {
			cmd.UsageFunc()(cmd)
			os.Exit(exitCodeUsage)
		}
		argVals := make([]reflect.Value, fnType.NumIn())
		for i := range args {
			argVals[i] = reflect.ValueOf(args[i])
		}
		fnVal.Call(argVals)
	}
}

// die prints its arguments to stderr, then exits the program with the default
// error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// statuscmd prints the daemon's health summary.
func statuscmd() {
	var health protocol.HealthResponse
	err := getAPI("/health", &health)
	if err != nil {
		die("Could not get daemon status:", err)
	}
	fmt.Printf(`Daemon status: %s
Uptime:        %s
`, health.Status, health.Uptime)
}

// versioncmd prints the client version.
func versioncmd() {
	fmt.Println("Chunkvault Client")
	fmt.Println("\tVersion " + build.Version)
	if build.GitRevision != "" {
		fmt.Println("\tGit Revision " + build.GitRevision)
		fmt.Println("\tBuild Time   " + build.BuildTime)
	}
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Chunkvault Client v" + build.Version,
		Long:  "Chunkvault Client v" + build.Version,
		Run:   wrap(statuscmd),
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about the Chunkvault Client",
		Run:   wrap(versioncmd),
	})

	root.AddCommand(uploadCmd, resumeCmd, tasksCmd, downloadCmd)

	root.PersistentFlags().StringVarP(&addr, "addr", "a", "localhost:9980", "which host/port to communicate with")
	root.PersistentFlags().StringVar(&clientDir, "client-dir", defaultClientDir(), "where the client keeps its upload progress database")
	downloadCmd.Flags().StringVar(&downloadRange, "range", "", "byte range to download, e.g. 4000-5000")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}

// defaultClientDir returns $HOME/.chunkvault, falling back to a relative
// directory when the home directory cannot be determined.
func defaultClientDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chunkvault"
	}
	return home + string(os.PathSeparator) + ".chunkvault"
}
