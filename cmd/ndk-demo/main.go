package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter/memory"
	"github.com/nostr-dev-kit/ndk-go/config"
	"github.com/nostr-dev-kit/ndk-go/ndk"
	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/nostr-dev-kit/ndk-go/outbox"
	"github.com/nostr-dev-kit/ndk-go/publish"
	"github.com/nostr-dev-kit/ndk-go/signer/local"
)

const (
	usageKind    = "event kind to publish"
	usageContent = "event content to publish"
)

func main() {
	rootCmd := &cobra.Command{Use: "ndk-demo"}

	var kind int
	var content string
	publishCmd := &cobra.Command{Use: "publish", Run: runPublish}
	publishCmd.Flags().IntVarP(&kind, "kind", "k", 1, usageKind)
	publishCmd.Flags().StringVarP(&content, "content", "c", "", usageContent)

	subscribeCmd := &cobra.Command{Use: "subscribe", Run: runSubscribe}
	subscribeCmd.Flags().IntSliceP("kinds", "k", []int{1}, "event kinds to subscribe to")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(subscribeCmd)
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

func newClient() (*ndk.Client, error) {
	cfg, err := config.LoadConfig[config.ClientConfig]()
	if err != nil {
		return nil, err
	}
	if len(cfg.Relays) == 0 {
		slog.Info("no relays configured, using outbox fallback set")
		cfg.Relays = outbox.DefaultFallbackRelays
	}
	if cfg.NostrPrivateKey == "" {
		return nil, fmt.Errorf("NDK_PRIVATE_KEY is required")
	}
	keyBytes, err := hex.DecodeString(cfg.NostrPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid NDK_PRIVATE_KEY: %w", err)
	}
	s, err := local.New(keyBytes)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	c := ndk.New(memory.New(), s, cfg.ToNDKConfig(), logger)

	pub, err := s.PubKey(context.Background())
	if err != nil {
		return nil, err
	}
	c.Tracker().Track(pub, cfg.Relays, cfg.Relays, outbox.SourceNip65)
	return c, nil
}

func runPublish(cmd *cobra.Command, _ []string) {
	kind, err := cmd.Flags().GetInt("kind")
	if err != nil {
		panic(err)
	}
	content, err := cmd.Flags().GetString("content")
	if err != nil {
		panic(err)
	}

	c, err := newClient()
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	evt := &nevent.Event{Kind: kind, Content: content, CreatedAt: time.Now().Unix()}
	res, err := c.Publish(ctx, evt, publish.PublishOptions{})
	if err != nil {
		panic(err)
	}
	slog.Info("publish finished", "event_id", res.EventID, "successes", res.SuccessCount, "failures", res.FailureCount)
}

func runSubscribe(cmd *cobra.Command, _ []string) {
	kinds, err := cmd.Flags().GetIntSlice("kinds")
	if err != nil {
		panic(err)
	}

	c, err := newClient()
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stream, err := c.Subscribe(ctx, []nevent.Filter{{Kinds: kinds}}, nevent.Config{Strategy: nevent.Parallel})
	if err != nil {
		panic(err)
	}
	defer stream.Close()

	for {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			slog.Info("event", "id", evt.ID, "kind", evt.Kind, "pubkey", evt.PubKey, "content", evt.Content)
		case <-ctx.Done():
			return
		}
	}
}
