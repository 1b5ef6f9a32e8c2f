package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/linechat/internal/client"
	"github.com/Tyrowin/linechat/internal/server"
)

const dialTimeout = 10 * time.Second

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "\n[System] connection error: %v\n", err)
		os.Exit(1)
	}
}

func run(stdin io.Reader, stdout io.Writer) error {
	in := bufio.NewReader(stdin)

	choice, err := prompt(in, stdout, "Create room (C) or join room (J)? ")
	if err != nil {
		return err
	}

	var host string
	var port int
	if strings.EqualFold(choice, "C") {
		port, err = promptPort(in, stdout, fmt.Sprintf("Port (%d): ", server.DefaultPort))
		if err != nil {
			return err
		}
		if err := startLocalRelay(port); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Relay started on port %d...\n", port)
		host = "127.0.0.1"
	} else {
		host, err = prompt(in, stdout, "Server address: ")
		if err != nil {
			return err
		}
		port, err = promptPort(in, stdout, "Port: ")
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := client.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	cancel()
	if err != nil {
		return err
	}

	session := client.NewSession(conn, stdout)
	for {
		name, err := prompt(in, stdout, "Name: ")
		if err != nil {
			_ = session.Close()
			return err
		}
		err = session.Join(name)
		if errors.Is(err, client.ErrEmptyName) {
			fmt.Fprintln(stdout, "Name must not be empty!")
			continue
		}
		if err != nil {
			_ = session.Close()
			return err
		}
		break
	}

	go func() {
		_ = session.Receive()
	}()
	session.PrintWelcome()

	if err := session.Run(in); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "\nConnection closed")
	return nil
}

// startLocalRelay binds synchronously so the client can dial right away, then
// serves in the background for the lifetime of the process.
func startLocalRelay(port int) error {
	_ = godotenv.Load()

	cfg, _, err := server.LoadConfig("config.yml")
	if err != nil {
		return err
	}
	cfg.Port = port

	// Keep relay logs out of the chat window.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := server.NewRelay(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("%w: %w", server.ErrBind, err)
	}
	go func() {
		_ = relay.Serve(context.Background(), ln)
	}()
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPort(in *bufio.Reader, out io.Writer, label string) (int, error) {
	raw, err := prompt(in, out, label)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return server.DefaultPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}
