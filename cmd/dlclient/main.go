// Command dlclient is a line-oriented Delta Lima client.
//
// Type "@user text" to send a message, or one of /exists, /online, /history
// followed by a username. /quit disconnects.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deltalima/client"
	"deltalima/protocol"

	"go.uber.org/zap"
	"golang.org/x/term"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2277", "Server address")
	version := flag.String("version", client.DefaultVersion, "Protocol version sent in the handshake")
	username := flag.String("user", "", "Username")
	password := flag.String("password", "", "Password, prompted for when empty")
	signup := flag.Bool("signup", false, "Create the account instead of logging in")
	check := flag.Bool("check", false, "Only check whether the server accepts this client version")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	opts := client.Options{Version: *version, Logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *check {
		accepted, ok, err := client.CheckVersion(ctx, *addr, opts)
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Printf("Version %s rejected, the server accepts %s\n", *version, accepted)
			os.Exit(1)
		}
		fmt.Printf("Version %s accepted\n", *version)
		return
	}

	if *username == "" {
		fatal(errors.New("-user is required"))
	}
	if *password == "" {
		p, err := readPassword()
		if err != nil {
			fatal(err)
		}
		*password = p
	}

	c, err := client.Dial(ctx, *addr, opts)
	if err != nil {
		fatal(err)
	}

	if *signup {
		err = c.Signup(ctx, *username, *password)
	} else {
		err = c.Login(ctx, *username, *password)
	}
	if err != nil {
		c.Disconnect()
		fatal(err)
	}
	fmt.Printf("Logged in as %s\n", c.Username())

	registerPrinters(c)
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-sigChan:
			c.Disconnect()
			return
		case <-c.Done():
			if err := c.Err(); err != nil {
				fatal(err)
			}
			fmt.Println("Disconnected by server")
			return
		case line, ok := <-lines:
			if !ok {
				c.Disconnect()
				return
			}
			if quit := runCommand(c, line); quit {
				c.Disconnect()
				return
			}
		}
	}
}

func registerPrinters(c *client.Client) {
	c.OnPacket(protocol.KindMessage, func(p protocol.Packet) {
		msg := p.(protocol.Message)
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp, msg.Sender, msg.Message)
	})
	c.OnPacket(protocol.KindUserResponse, func(p protocol.Packet) {
		fmt.Printf("-> %t\n", p.(protocol.UserResponse).Response)
	})
	c.OnPacket(protocol.KindMsgHistory, func(p protocol.Packet) {
		history := p.(protocol.MsgHistory).History
		if len(history) == 0 {
			fmt.Println("-> no messages")
		}
		for _, e := range history {
			fmt.Printf("   [%s] %s: %s\n", e.Timestamp, e.Sender, e.Message)
		}
	})
	c.OnPacket(protocol.KindError, func(p protocol.Packet) {
		fmt.Printf("! %s\n", p.(protocol.Error).Text)
	})
}

// runCommand executes one input line and reports whether the user quit.
func runCommand(c *client.Client, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch {
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "@"):
		recipient, text, found := strings.Cut(line[1:], " ")
		if !found || text == "" {
			fmt.Println("usage: @user text")
			return false
		}
		err = c.SendMessage(recipient, text)
	case strings.HasPrefix(line, "/"):
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		if arg == "" {
			fmt.Printf("usage: %s user\n", cmd)
			return false
		}
		switch cmd {
		case "/exists":
			err = c.UserExists(arg)
		case "/online":
			err = c.UserOnline(arg)
		case "/history":
			err = c.History(arg)
		default:
			fmt.Println("commands: @user text, /exists user, /online user, /history user, /quit")
		}
	default:
		fmt.Println("commands: @user text, /exists user, /online user, /history user, /quit")
	}

	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("-password is required when stdin is not a terminal")
	}
	fmt.Print("Password: ")
	p, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dlclient:", err)
	os.Exit(1)
}
