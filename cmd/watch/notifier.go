package main

import (
	"fmt"
	"io"
	"sync"

	"leadcast/internal/poller"
)

// printNotifier writes confirmations to a terminal.
type printNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func (n *printNotifier) Notify(c poller.Confirmation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := c.VendorName
	if name == "" {
		name = c.Phone
	}
	fmt.Fprintf(n.out, "* %s has it: %q\n", name, c.Snippet)
}

func (n *printNotifier) AppendSystemMessage(requestID string, confirmed []poller.Confirmation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "%d new vendor(s) confirmed for %s:\n", len(confirmed), requestID)
	for _, c := range confirmed {
		if c.ChatLink != "" {
			fmt.Fprintf(n.out, "  %s  %s\n", c.Phone, c.ChatLink)
		} else {
			fmt.Fprintf(n.out, "  %s\n", c.Phone)
		}
	}
}
