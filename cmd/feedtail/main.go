// Package main provides feedtail, a command-line client that follows one
// event channel of a feedwired server and prints events as they arrive.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/msgops/feedwire/pkg/stream"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var (
		baseURL      = flag.String("url", "http://localhost:8080", "server base URL (http/https or ws/wss)")
		channel      = flag.String("channel", "logs", "channel to follow")
		token        = flag.String("token", "", "access token (defaults to FEEDWIRE_TOKEN)")
		maxReconnect = flag.Int("max-reconnect", 0, "reconnection attempt ceiling (0 = default, negative = never reconnect)")
		interval     = flag.Duration("reconnect-interval", 0, "delay between reconnection attempts (0 = default)")
		verbose      = flag.Bool("verbose", false, "print full event payloads")
	)
	flag.Parse()

	accessToken := *token
	if accessToken == "" {
		accessToken = os.Getenv("FEEDWIRE_TOKEN")
	}
	if accessToken == "" {
		return errors.New("access token required: -token flag or FEEDWIRE_TOKEN environment variable")
	}

	cfg := stream.DefaultConfig()
	cfg.BaseURL = *baseURL
	cfg.Channel = *channel
	cfg.Token = accessToken
	if *maxReconnect != 0 {
		cfg.MaxReconnect = *maxReconnect
	}
	if *interval != 0 {
		cfg.ReconnectInterval = *interval
	}

	cfg.OnMessage = func(m stream.Message) {
		printEvent(m, *verbose)
	}
	cfg.OnConnect = func() {
		log.Printf("connected to %s channel %q", *baseURL, *channel)
	}
	cfg.OnDisconnect = func(err error) {
		if err != nil {
			log.Printf("disconnected: %v", err)
			return
		}
		log.Print("disconnected")
	}
	cfg.OnError = func(err error) {
		var authErr *stream.AuthError
		if errors.As(err, &authErr) {
			log.Printf("access rejected: %v", err)
			return
		}
		var parseErr *stream.ParseError
		if errors.As(err, &parseErr) {
			log.Printf("dropped malformed frame: %v", err)
			return
		}
		log.Printf("stream error: %v", err)
	}

	c, err := stream.New(cfg)
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	c.Connect()
	<-interrupt

	log.Print("interrupted, closing")
	c.Disconnect()

	if n := len(c.History()); n > 0 {
		log.Printf("history holds the newest %d events", n)
	}
	return nil
}

// printEvent renders one event. Verbose mode prints the raw payload,
// otherwise just the type and a compact data preview.
func printEvent(m stream.Message, verbose bool) {
	ts := time.Now().Format("15:04:05")
	if verbose {
		pretty, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			log.Printf("marshal event: %v", err)
			return
		}
		fmt.Printf("[%s] %s\n", ts, pretty)
		return
	}

	data := string(m.Data)
	const maxPreview = 120
	if len(data) > maxPreview {
		data = data[:maxPreview] + "..."
	}
	fmt.Printf("[%s] %-12s %s\n", ts, m.Type, data)
}
