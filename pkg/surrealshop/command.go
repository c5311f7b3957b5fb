package surrealshop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/surrealdb/surrealshop/pkg/models"
)

// Main is the entry point of the surrealshop command. It can be called from
// tests without building the binary; ctx cancels long running commands such
// as serve.
//
// Configuration comes from the environment (see Config) and the persistent
// flags override it:
//
//	surrealshop serve --remote surreal
//	surrealshop list products
//	surrealshop content set home-headline "Summer drop"
//	surrealshop banner set-media hero-1 ./hero.webp
//	surrealshop sync
func Main(ctx context.Context, args []string) error {
	cmd := NewCommand(os.Stdout)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type flagValues struct {
	cacheBackend string
	cachePath    string
	remote       string
	logLevel     string
	port         string
}

// config reads the environment and applies the flags the user set.
func (f *flagValues) config(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("cache-backend") {
		cfg.CacheBackend = f.cacheBackend
	}
	if flags.Changed("cache-path") {
		cfg.CachePath = f.cachePath
	}
	if flags.Changed("remote") {
		cfg.Remote = f.remote
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("port") {
		cfg.ServerPort = f.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewCommand builds the command tree. Output goes to out; opts are passed to
// New for every command.
func NewCommand(out io.Writer, opts ...Option) *cobra.Command {
	var f flagValues

	root := &cobra.Command{
		Use:   "surrealshop",
		Short: "Local-first storefront cache kept in sync with SurrealDB",
		Long: `surrealshop keeps the storefront records (banners, products, editable
contents and contacts) in a quota-aware local cache, broadcasts changes to the
other tabs sharing it and synchronizes them with a remote document store.

Every command opens its own tab on the configured cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&f.cacheBackend, "cache-backend", CacheBolt, "local cache backend: memory, bolt or sqlite")
	pf.StringVar(&f.cachePath, "cache-path", "surrealshop.db", "local cache file for the bolt and sqlite backends")
	pf.StringVar(&f.remote, "remote", RemoteOffline, "remote store: surreal, memory or offline")
	pf.StringVar(&f.logLevel, "log-level", "info", "log level")
	pf.StringVar(&f.port, "port", "8080", "HTTP port for serve")

	// withApp opens a tab for one command and closes it afterwards, which
	// also waits for the background remote writes the command started.
	withApp := func(fn func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd)
			if err != nil {
				return err
			}
			app, err := New(cmd.Context(), cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return errors.Join(fn(cmd, app, args), app.Close())
		}
	}

	root.AddCommand(
		serveCommand(withApp),
		seedCommand(withApp),
		listCommand(withApp),
		getCommand(withApp),
		putCommand(withApp),
		clearCommand(withApp),
		statusCommand(withApp),
		syncCommand(withApp),
		bannerCommand(withApp),
		contentCommand(withApp),
	)
	return root
}

type appRunner func(fn func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error

func serveCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API and the broadcast relay",
		Long: `Serve the JSON API over every repository and the WebSocket broadcast relay
other tabs join with SURREALSHOP_RELAY_URL.

While serving, the tab follows storage, broadcast and remote changes and
retries unsynced entities every SURREALSHOP_RESYNC_INTERVAL.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			if err := app.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		}),
	}
}

func seedCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the default records of every kind that has none yet",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			for _, kind := range models.Kinds() {
				c, _ := app.Collection(kind)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", kind, len(c.List()))
			}
			return nil
		}),
	}
}

func listCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "list <kind>",
		Short: "Print every cached record of a kind as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			c, err := collectionArg(app, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c.List())
		}),
	}
}

func getCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print one cached record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			c, err := collectionArg(app, args[0])
			if err != nil {
				return err
			}
			e, ok := c.Get(args[1])
			if !ok {
				return fmt.Errorf("%s %q not found", c.Kind(), args[1])
			}
			return printJSON(cmd.OutOrStdout(), e)
		}),
	}
}

func putCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "put <kind> <id> <json|->",
		Short: "Save a record from a JSON argument or stdin",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			c, err := collectionArg(app, args[0])
			if err != nil {
				return err
			}
			body := []byte(args[2])
			if args[2] == "-" {
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}
			e, err := c.Save(cmd.Context(), args[1], body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		}),
	}
}

func clearCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <kind> <id>",
		Short: "Remove a record locally and from the remote store",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			c, err := collectionArg(app, args[0])
			if err != nil {
				return err
			}
			return c.Clear(cmd.Context(), args[1])
		}),
	}
}

func statusCommand(withApp appRunner) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the sync status of every cached record",
		Long: `Print the sync status of every cached record.

A fresh tab has not synced anything yet, so every record reads unsynced unless
--sync runs a sync pass first.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			if sync {
				app.Sync(cmd.Context())
			}
			out := cmd.OutOrStdout()
			for _, kind := range models.Kinds() {
				c, _ := app.Collection(kind)
				for _, e := range c.List() {
					fmt.Fprintf(out, "%s\t%s\t%s\n", kind, e.EntityID(), c.Status(e.EntityID()))
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "run a sync pass before printing")
	return cmd
}

func syncCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Retry unsynced records and pull newer remote ones",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *App, _ []string) error {
			if !app.Adapter().Available() {
				return errors.New("remote store is not available")
			}
			reports := app.Sync(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			for _, r := range reports {
				if r.Error != "" {
					return fmt.Errorf("sync of %s incomplete: %s", r.Kind, r.Error)
				}
			}
			return nil
		}),
	}
}

func bannerCommand(withApp appRunner) *cobra.Command {
	banner := &cobra.Command{
		Use:   "banner",
		Short: "Banner tools",
	}

	var mimeType string
	setMedia := &cobra.Command{
		Use:   "set-media <id> <file>",
		Short: "Attach an image or video to a banner",
		Long: `Attach an image or video to a banner. The file is uploaded when
SURREALSHOP_UPLOAD_URL is set and inlined as a data URI otherwise.`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read media: %w", err)
			}
			mt := mimeType
			if mt == "" {
				mt = mime.TypeByExtension(filepath.Ext(args[1]))
			}
			if mt == "" {
				mt = http.DetectContentType(data)
			}
			b, err := app.Banners.SetMedia(cmd.Context(), args[0], filepath.Base(args[1]), mt, data)
			if err != nil {
				return err
			}
			app.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", b.ID, b.MediaKind, app.Banners.Status(b.ID))
			return nil
		}),
	}
	setMedia.Flags().StringVar(&mimeType, "mime", "", "media type, guessed from the file when empty")

	banner.AddCommand(setMedia)
	return banner
}

func contentCommand(withApp appRunner) *cobra.Command {
	content := &cobra.Command{
		Use:   "content",
		Short: "Editable content tools",
	}
	content.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print the text of a content block, remote first",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
				text, ok := app.Contents.Content(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("content %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <id> <text>",
			Short: "Set the text of a content block",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(func(cmd *cobra.Command, app *App, args []string) error {
				_, err := app.Contents.SetContent(cmd.Context(), args[0], args[1])
				return err
			}),
		},
	)
	return content
}

func collectionArg(app *App, name string) (Collection, error) {
	kind, err := models.ParseKind(name)
	if err != nil {
		return nil, err
	}
	c, ok := app.Collection(kind)
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %q", name)
	}
	return c, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
