package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/arwyn/gotftp/pkg/client"
	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/session"
)

// wellKnownPort is the TFTP server port this CLI always talks to; the
// positional argument table (spec §6) names only a server_ip, not a
// host:port pair, matching original_source/main.c's
// init_peer_socket_address(peer_address_bin, htons(69)).
const wellKnownPort = 69

func watchSignals(term *session.Termination) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		term.Set()
	}()
}

// parseMode validates the optional [mode] argument. This
// implementation only ever transfers octet on the wire; any other
// mode is rejected rather than silently substituted.
func parseMode(args []string, idx int) (string, error) {
	if len(args) <= idx || args[idx] == "" {
		return "octet", nil
	}
	mode := args[idx]
	if mode != "octet" {
		return "", &invalidArgsError{msg: fmt.Sprintf("unsupported mode %q, only octet is supported", mode)}
	}
	return mode, nil
}

func parseBlockSize(args []string, idx int) (int, error) {
	if len(args) <= idx || args[idx] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil {
		return 0, &invalidArgsError{msg: fmt.Sprintf("invalid blocksize %q", args[idx])}
	}
	return n, nil
}

// runRead implements: read <server_ip> <filename> [mode] [blocksize]
func runRead(args []string) error {
	if len(args) < 2 {
		return &invalidArgsError{msg: "read requires <server_ip> <filename> [mode] [blocksize]"}
	}
	serverIP, filename := args[0], args[1]
	if _, err := parseMode(args, 2); err != nil {
		return err
	}
	blksize, err := parseBlockSize(args, 3)
	if err != nil {
		return err
	}

	c, err := client.New(fmt.Sprintf("%s:%d", serverIP, wellKnownPort), blksize, eventlog.NewLogrusSink("client", filename))
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	term := &session.Termination{}
	watchSignals(term)

	start := time.Now()
	n, err := c.Get(filename, f, term)
	if err != nil {
		return err
	}
	fmt.Printf("gotftp: read %d bytes in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}

// runWrite implements: write <server_ip> <filename> [mode] [blocksize]
func runWrite(args []string) error {
	if len(args) < 2 {
		return &invalidArgsError{msg: "write requires <server_ip> <filename> [mode] [blocksize]"}
	}
	serverIP, filename := args[0], args[1]
	if _, err := parseMode(args, 2); err != nil {
		return err
	}
	blksize, err := parseBlockSize(args, 3)
	if err != nil {
		return err
	}

	c, err := client.New(fmt.Sprintf("%s:%d", serverIP, wellKnownPort), blksize, eventlog.NewLogrusSink("client", filename))
	if err != nil {
		return err
	}

	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	term := &session.Termination{}
	watchSignals(term)

	start := time.Now()
	n, err := c.Put(filename, f, term)
	if err != nil {
		return err
	}
	fmt.Printf("gotftp: wrote %d bytes in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}

// runDelete implements: delete <server_ip> <filename>
func runDelete(args []string) error {
	if len(args) < 2 {
		return &invalidArgsError{msg: "delete requires <server_ip> <filename>"}
	}
	serverIP, filename := args[0], args[1]

	c, err := client.New(fmt.Sprintf("%s:%d", serverIP, wellKnownPort), 0, eventlog.NewLogrusSink("client", filename))
	if err != nil {
		return err
	}

	term := &session.Termination{}
	watchSignals(term)

	if err := c.Delete(filename, term); err != nil {
		return err
	}
	fmt.Printf("gotftp: deleted %s\n", filename)
	return nil
}
