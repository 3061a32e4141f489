package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"marginalia/internal/client"
	"marginalia/internal/comments"
	"marginalia/internal/docview"
	"marginalia/internal/realtime"
	"marginalia/internal/textdoc"
)

type printRenderer struct{}

func (printRenderer) RenderContent(text string) {
	fmt.Printf("content: %q\n", text)
}

func (printRenderer) RenderHighlights(ranges []comments.HighlightRange) {
	if len(ranges) == 0 {
		fmt.Println("highlights: none")
		return
	}
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		marker := ""
		if r.Active {
			marker = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s[%d,%d)", marker, r.ID, r.Start, r.End))
	}
	fmt.Printf("highlights: %s\n", strings.Join(parts, " "))
}

func main() {
	serverURL := flag.String("server", "http://localhost:8787", "API base URL")
	documentID := flag.String("doc", "", "Document id")
	name := flag.String("name", os.Getenv("USER"), "Collaborator name")
	issuerKey := flag.String("issuer-key", os.Getenv("MARGINALIA_ISSUER_KEY"), "Key that lets this client mint a collaboration token")
	cachePath := flag.String("cache", "marginalia-replicas.db", "Local replica cache, empty to disable")
	insert := flag.String("insert", "", "Insert text once synced, as pos:text")
	remove := flag.String("delete", "", "Delete text once synced, as pos:count")
	comment := flag.String("comment", "", "Open a thread once synced, as start:end:body")
	focus := flag.String("focus", "", "Focus a thread id after load")
	once := flag.Bool("once", false, "Exit after applying edits")
	flag.Parse()

	if *documentID == "" {
		fmt.Fprintln(os.Stderr, "-doc is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := client.New(*serverURL, nil)
	token, err := api.WithToken(*issuerKey).IssueToken(ctx, *documentID, *name)
	if err != nil {
		log.Fatalf("collaboration token: %v", err)
	}
	api = api.WithToken(token.Token)

	var cache realtime.ReplicaCache
	if *cachePath != "" {
		boltCache, err := realtime.OpenBoltCache(*cachePath)
		if err != nil {
			log.Fatalf("open replica cache: %v", err)
		}
		defer boltCache.Close()
		cache = boltCache
	}

	doc := textdoc.New(token.Agent)
	provider := realtime.NewProvider(realtime.ProviderConfig{
		URL:        api.WebsocketURL(*documentID),
		DocumentID: *documentID,
		Token:      token.Token,
		Cache:      cache,
	}, doc)
	manager := comments.NewManager(*documentID, api)
	view := docview.New(doc, provider.State(), manager, printRenderer{})
	view.Start(ctx)
	defer view.Close()

	synced := make(chan struct{})
	unsubscribe := provider.State().Subscribe(func(state realtime.ConnState) {
		log.Printf("connection: %s", state)
		if state == realtime.StateSynced {
			select {
			case <-synced:
			default:
				close(synced)
			}
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- provider.Run(ctx) }()

	if err := manager.Load(ctx); err != nil {
		log.Printf("load threads: %v", err)
	}
	if *focus != "" {
		manager.Focus(*focus)
	}

	finished := false
	select {
	case <-synced:
		if err := applyEdits(ctx, api, manager, doc, *documentID, *insert, *remove, *comment); err != nil {
			log.Printf("edit: %v", err)
		}
	case <-ctx.Done():
	case err := <-done:
		finished = true
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
	}

	if *once {
		// give the provider a moment to flush pushed updates
		time.Sleep(500 * time.Millisecond)
		cancel()
	}
	<-ctx.Done()
	manager.Wait()
	if !finished {
		if err := <-done; err != nil {
			log.Printf("relay: %v", err)
		}
	}
}

func applyEdits(ctx context.Context, api *client.Client, manager *comments.Manager, doc *textdoc.Document, documentID, insert, remove, comment string) error {
	if insert != "" {
		pos, text, err := splitPositional(insert)
		if err != nil {
			return fmt.Errorf("-insert: %w", err)
		}
		doc.Insert(pos, text)
	}
	if remove != "" {
		pos, count, err := splitPositional(remove)
		if err != nil {
			return fmt.Errorf("-delete: %w", err)
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return fmt.Errorf("-delete count: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("-delete count must be positive, got %d", n)
		}
		doc.Delete(pos, n)
	}
	if comment != "" {
		parts := strings.SplitN(comment, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("-comment: expected start:end:body")
		}
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return fmt.Errorf("-comment start: %w", err)
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("-comment end: %w", err)
		}
		text := doc.Text()
		runes := []rune(text)
		if start < 0 || end > len(runes) || start >= end {
			return fmt.Errorf("-comment: range %d..%d outside document of %d characters", start, end, len(runes))
		}
		selection := comments.NewSelection(doc, start, end)
		thread, err := api.CreateThread(ctx, documentID, parts[2], string(runes[start:end]), &selection)
		if err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		manager.Upsert(thread)
	}
	return nil
}

func splitPositional(value string) (int, string, error) {
	head, tail, ok := strings.Cut(value, ":")
	if !ok {
		return 0, "", fmt.Errorf("expected pos:value")
	}
	pos, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", err
	}
	return pos, tail, nil
}
