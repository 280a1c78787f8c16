// collab-agent is a terminal participant: it joins the shared document under
// a username, prints presence activity as it happens, and publishes each
// line typed on stdin as the new document content.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/19G12/parallel-website-editor-webhook/internal/discovery"
	"github.com/19G12/parallel-website-editor-webhook/pkg/client"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8000/ws", "sync server websocket URL")
	username := flag.String("username", "", "name to join the document as")
	discover := flag.Bool("discover", false, "find the server via mDNS instead of -url")
	service := flag.String("service", "_collabd._tcp", "mDNS service name used with -discover")
	cachePath := flag.String("cache", "", "path to a local document cache file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: collab-agent -username <name> [-url ws://...]")
		os.Exit(2)
	}

	target := *url
	if *discover {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		found, err := discovery.Lookup(ctx, *service)
		cancel()
		if err != nil {
			log.Error("discovery failed", slog.Any("error", err))
			os.Exit(1)
		}
		log.Info("discovered server", slog.String("url", found))
		target = found
	}

	opts := client.Options{Log: log}
	if *cachePath != "" {
		cache, err := client.OpenCache(*cachePath)
		if err != nil {
			log.Error("opening cache", slog.Any("error", err))
			os.Exit(1)
		}
		defer cache.Close()
		opts.Cache = cache
	}

	conn := client.Dial(target, opts)
	defer conn.Close()

	// Join is safe before the transport opens; it fires once on open.
	if err := conn.Session().Join(*username); err != nil {
		log.Error("join failed", slog.Any("error", err))
		os.Exit(1)
	}

	go watch(conn)

	fmt.Printf("joined as %s; each line you type replaces the document\n", *username)
	if content := conn.Document().Content(); content != "" {
		fmt.Printf("document: %s\n", content)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.Document().SetContent(scanner.Text()); err != nil {
			log.Warn("edit not sent", slog.Any("error", err))
		}
	}

	if err := conn.Session().Leave(); err != nil {
		log.Warn("leave failed", slog.Any("error", err))
	}
}

// watch prints document and presence updates as they arrive.
func watch(conn *client.Conn) {
	doc := conn.Document()
	presence := conn.Presence()
	for {
		select {
		case <-doc.Changes():
			fmt.Printf("document: %s\n", doc.Content())
		case n := <-presence.Notices():
			if n.Departure {
				fmt.Printf("!! %s\n", n.Text)
			} else {
				fmt.Printf("** %s\n", n.Text)
			}
		case <-conn.Done():
			return
		}
	}
}
