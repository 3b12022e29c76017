package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/arwyn/gotftp/pkg/config"
	"github.com/arwyn/gotftp/pkg/server"
)

func runServe(args []string) error {
	fs := newFlagSet("serve")
	confPath := fs.String("c", "", "path to an INI config file (optional, see pkg/config)")
	port := fs.Int("p", 0, "override listen port (0 keeps the config/default value)")
	root := fs.String("root", "", "override storage root directory")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return &invalidArgsError{msg: err.Error()}
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var cfg *config.ServerConfig
	var err error
	if *confPath != "" {
		cfg, err = config.LoadServerConfig(*confPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.DefaultServerConfig()
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *root != "" {
		cfg.StorageRoot = *root
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("gotftp: received shutdown signal, draining sessions...")
		srv.Terminate()
	}()

	return srv.Start()
}
