// wipetrace scans raw disk images for traces of deliberate wiping.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

var version = "dev"

// exitPartial is returned when a scan stopped early but a partial result
// was still written.
const exitPartial = 3

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries the global flags and standard streams into each command.
type app struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wipetrace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}

	a := &app{configPath: *configPath, stdin: stdin, stdout: stdout, stderr: stderr}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	var err error
	switch cmd {
	case "scan":
		err = a.cmdScan(rest)
	case "watch":
		err = a.cmdWatch(rest)
	case "serve":
		err = a.cmdServe(rest)
	case "history":
		err = a.cmdHistory(rest)
	case "show":
		err = a.cmdShow(rest)
	case "config":
		err = a.cmdConfig(rest)
	case "synth":
		err = a.cmdSynth(rest)
	case "version":
		fmt.Fprintf(stdout, "wipetrace %s\n", version)
	case "help":
		usage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return 2
	}

	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `wipetrace - Detect deliberate wiping in raw disk images

Usage: wipetrace [options] <command> [args]

Commands:
  scan [-session SID] [-trace] [-json] <image|-|azblob://container/blob>
                  Scan an image and write the analysis document
  watch [-existing]
                  Scan images as they settle in the intake directories
  serve [-listen addr]
                  Run the HTTP API
  history [-limit N]
                  List indexed scans, newest first
  show [-json] <SID>
                  Print a stored analysis document
  config [-init]  Print the effective configuration
  synth [-seed N] [-block-size N] -o <file> <layout>
                  Write a deterministic calibration image, e.g.
                  "text:64,zero:256,pattern=55aa:32,text:64"
  version         Show version
  help            Show this help message

Options:
  -config <path>  Path to config file (default: ./config.toml or the
                  platform config directory)

Exit status is 3 when a scan stopped early and only a partial result
was written.`)
}
