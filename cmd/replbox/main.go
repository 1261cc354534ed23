// Binary replbox is an interactive client for the replbox execution
// service.
//
// It connects to a running replboxd, reads code from stdin, and prints
// each response. Single lines submit immediately; a line ending in ":"
// opens a block that is buffered until a blank line submits it, so
// functions and loops can be entered naturally.
//
// Usage:
//
//	replbox -addr localhost:9999
//	replbox -addr localhost:9999 -session scratch
//	replbox 'print(6 * 7)'
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/nevindra/replbox/client"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("")

	addr := flag.String("addr", "localhost:9999", "service address")
	sessionID := flag.String("session", "", "session ID (generated when empty)")
	flag.Parse()

	ctx := context.Background()

	opts := []client.Option{}
	if *sessionID != "" {
		opts = append(opts, client.WithSession(*sessionID))
	}

	c, err := client.Dial(ctx, *addr, opts...)
	if err != nil {
		log.Fatalf("replbox: %v", err)
	}
	defer c.Close()

	// One-shot mode: code given as arguments.
	if code := strings.Join(flag.Args(), " "); code != "" {
		resp, err := c.Submit(ctx, code)
		if err != nil {
			log.Fatalf("replbox: %v", err)
		}
		fmt.Println(resp)
		return
	}

	fmt.Printf("connected to %s (session %s)\n", *addr, c.SessionID())

	var block []string
	sc := bufio.NewScanner(os.Stdin)
	prompt(block)
	for sc.Scan() {
		line := sc.Text()

		if len(block) > 0 {
			// Inside a block: a blank line submits it.
			if strings.TrimSpace(line) == "" {
				submit(ctx, c, strings.Join(block, "\n"))
				block = block[:0]
			} else {
				block = append(block, line)
			}
			prompt(block)
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasSuffix(trimmed, ":"):
			block = append(block, line)
		default:
			submit(ctx, c, line)
		}
		prompt(block)
	}

	if len(block) > 0 {
		submit(ctx, c, strings.Join(block, "\n"))
	}
	fmt.Println()
}

func submit(ctx context.Context, c *client.Client, code string) {
	resp, err := c.Submit(ctx, code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(resp)
}

func prompt(block []string) {
	if len(block) > 0 {
		fmt.Print("... ")
	} else {
		fmt.Print(">>> ")
	}
}
