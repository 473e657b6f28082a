package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/pflag"

	"securemsg/config"
	"securemsg/db"
	"securemsg/logger"
	"securemsg/secure"
	"securemsg/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "securemsg: %v\n", err)
		return 2
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securemsg: %v\n", err)
		return 2
	}
	log, err := logger.New(level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securemsg: %v\n", err)
		return 1
	}
	defer log.Close()
	defer memguard.Purge()

	mode, err := db.ParseCredentialMode(cfg.Auth.Credentials)
	if err != nil {
		log.Error("main: %v", err)
		return 2
	}
	database, err := db.New(cfg.DB.Path, mode)
	if err != nil {
		log.Error("main: failed to open database %s: %v", cfg.DB.Path, err)
		return 1
	}
	defer database.Close()

	params, err := loadParams(cfg.Secure, log)
	if err != nil {
		log.Error("main: %v", err)
		return 1
	}

	srv := server.New(database, params, &server.ServerConfig{
		Addr:         cfg.Server.Addr(),
		MaxClients:   cfg.Server.MaxClients,
		SyncInterval: cfg.Chat.SyncInterval,
	}, log)

	var once sync.Once
	shutdown := func(reason string) {
		once.Do(func() {
			log.Info("main: shutting down (%s)", reason)
			srv.Shutdown()
		})
	}

	if cfg.Control.Socket != "" {
		go startControlSocket(cfg.Control.Socket, srv, shutdown, log)
		defer os.Remove(cfg.Control.Socket)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		shutdown(sig.String())
	}()

	if err := srv.Start(); err != nil {
		log.Error("main: %v", err)
		return 1
	}
	// Start returns as soon as the listener closes; wait for the sessions too.
	shutdown("listener closed")
	return 0
}

func loadParams(cfg config.SecureConfig, log *logger.Logger) (*secure.Params, error) {
	if cfg.DHParams == "rfc3526" {
		log.Info("main: using the RFC 3526 2048-bit group")
		return secure.RFC3526Group14(), nil
	}
	log.Info("main: generating %d-bit safe prime", cfg.DHBits)
	params, err := secure.GenerateParams(cfg.DHBits)
	if err != nil {
		return nil, fmt.Errorf("generate DH parameters: %w", err)
	}
	log.Debug("main: P = %s", params.Hex())
	return params, nil
}

// startControlSocket serves one-line management commands on a unix socket:
// "stats" and "shutdown".
func startControlSocket(path string, srv *server.Server, shutdown func(string), log *logger.Logger) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Warn("main: failed to create control socket: %v", err)
		return
	}
	defer listener.Close()

	log.Info("main: control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go handleControlCommand(conn, srv, shutdown)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, shutdown func(string)) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()
		shutdown("control socket")
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
