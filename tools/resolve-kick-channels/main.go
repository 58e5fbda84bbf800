// Command resolve-kick-channels looks up chatroom IDs for Kick channel slugs
// and prints config blocks that skip discovery at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/john/chatnexus/internal/kick"
)

func main() {
	apiBase := flag.String("api", kick.DefaultAPIBase, "Kick API base URL")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: resolve-kick-channels [-api URL] <slug> [slug] ...")
		fmt.Fprintln(os.Stderr, "\nExample:")
		fmt.Fprintln(os.Stderr, "  resolve-kick-channels paymoneywubby xqc")
	}
	flag.Parse()
	slugs := flag.Args()
	if len(slugs) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Printf("Resolving %d Kick channel(s)...\n\n", len(slugs))

	client := &http.Client{Timeout: 10 * time.Second}
	failed := 0
	for _, slug := range slugs {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		info, err := kick.ResolveChannel(ctx, client, *apiBase, slug)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", slug, err)
			failed++
			continue
		}

		live := "offline"
		if info.Livestream != nil && info.Livestream.IsLive {
			live = fmt.Sprintf("live, %d viewers", info.Livestream.ViewerCount)
		}
		fmt.Printf("# %s (%s)\n", info.Slug, live)
		fmt.Println("platforms:")
		fmt.Println("  kick:")
		fmt.Println("    enabled: true")
		fmt.Printf("    slug: %s\n", info.Slug)
		fmt.Printf("    chatroom_id: %d\n\n", info.Chatroom.ID)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
