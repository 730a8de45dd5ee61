package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rediskv/internal/command"
	"rediskv/internal/logging"
	"rediskv/internal/repl"
	"rediskv/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "port to listen on")
	host := flag.String("host", "0.0.0.0", "host to bind to")
	replicaof := flag.String("replicaof", "", "master address if this is a replica, as \"host port\"")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.SetLevel(*logLevel)

	cfg := server.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.LogLevel = *logLevel

	var masterAddr string
	if *replicaof != "" {
		parts := strings.Fields(*replicaof)
		if len(parts) != 2 {
			logging.Errorf("invalid -replicaof value %q, expected \"host port\"", *replicaof)
			os.Exit(1)
		}
		masterAddr = parts[0] + ":" + parts[1]
		cfg.ReplicaOf = masterAddr
	}

	role := command.Master
	if cfg.IsReplica() {
		role = command.Replica
	}

	srv := server.New(cfg, role, repl.ReplID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.IsReplica() {
		go runReplica(ctx, masterAddr, cfg.Port, srv)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Infof("received shutdown signal")
		cancel()
		srv.Shutdown()
	}()

	logging.Infof("starting server on %s:%d (role=%s)", cfg.Host, cfg.Port, roleName(role))
	if err := srv.Start(ctx); err != nil {
		logging.Errorf("server failed: %v", err)
		os.Exit(1)
	}
}

// runReplica drives the connection to the master: handshake, then drain
// the propagation stream for as long as the process runs. A dropped
// connection ends this server's participation in replication but does not
// take down the client-facing listener.
func runReplica(ctx context.Context, masterAddr string, ownPort int, srv *server.Server) {
	session, err := repl.Handshake(masterAddr, ownPort)
	if err != nil {
		logging.Errorf("replica handshake with %s failed: %v", masterAddr, err)
		return
	}

	go func() {
		<-ctx.Done()
	}()

	if err := session.Run(srv.Dispatcher()); err != nil {
		logging.Warnf("replication stream from %s ended: %v", masterAddr, err)
	}
}

func roleName(r command.Role) string {
	if r == command.Replica {
		return "replica"
	}
	return "master"
}
