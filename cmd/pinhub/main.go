package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pinhub/pinhub"
	"github.com/pinhub/pinhub/config"
	"github.com/pinhub/pinhub/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":8442", "network address for the tcp listener")
	wsAddr := flag.String("ws", "", "network address for the websocket listener, blank to disable")
	configFile := flag.String("config", "", "path to a yaml or json configuration file")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	server, err := configure(*configFile, *tcpAddr, *wsAddr)
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Serve(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping")
	server.Close()
}

// configure assembles the server from a config file when one is given, or
// from the command line listener flags otherwise.
func configure(configFile, tcpAddr, wsAddr string) (*pinhub.Server, error) {
	if configFile != "" {
		cfg, err := config.FromFile(configFile)
		if err != nil {
			return nil, err
		}
		return cfg.Server()
	}

	server := pinhub.New(nil, nil)

	if err := server.AddListener(listeners.NewTCP("t1", tcpAddr), nil); err != nil {
		return nil, err
	}

	if wsAddr != "" {
		if err := server.AddListener(listeners.NewWebsocket("ws1", wsAddr), nil); err != nil {
			return nil, err
		}
	}

	return server, nil
}
