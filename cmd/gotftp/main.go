package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(22)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "read":
		err = runRead(os.Args[2:])
	case "write":
		err = runWrite(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Printf("gotftp: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(22)
	}

	if err != nil {
		if invalid, ok := err.(*invalidArgsError); ok {
			fmt.Println("gotftp:", invalid.Error())
			os.Exit(22)
		}
		fmt.Println("gotftp:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`usage: gotftp <command> [args]

commands:
  serve                                             run a TFTP server
  read   <server_ip> <filename> [mode] [blocksize]  fetch a remote file (GET)
  write  <server_ip> <filename> [mode] [blocksize]  upload a local file (PUT)
  delete <server_ip> <filename>                     remove a remote file

filename is used for both the remote name and the local path; mode
defaults to octet (the only supported mode) and blocksize defaults to
the protocol default when omitted.

Run "gotftp serve -h" for server flags.`)
}

// invalidArgsError marks flag-parsing or required-argument failures
// that should exit 22 (EINVAL) rather than 1, per spec's exit code
// table.
type invalidArgsError struct{ msg string }

func (e *invalidArgsError) Error() string { return e.msg }

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs
}
