// linkctl inspects and manages link records and handshake tokens using the
// same configuration and store drivers as the server.
//
//	linkctl [flags] list
//	linkctl [flags] show <handle>
//	linkctl [flags] revoke <handle>
//	linkctl [flags] restore <handle>
//	linkctl [flags] issue <handle>
//	linkctl [flags] verify <token>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"linkgate/pkg/config"
	"linkgate/pkg/db"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/logger"
	"linkgate/pkg/token"
)

func main() {
	if err := run(config.Load(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    config.Config
	log    logger.Sugared
	out    io.Writer
	asJSON bool
}

func run(cfg config.Config, args []string, out io.Writer) error {
	var (
		asJSON  bool
		verbose bool
		driver  string
		sqlite  string
	)
	flagSet := pflag.NewFlagSet("linkctl", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.BoolVar(&asJSON, "json", false, "print JSON instead of YAML")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")
	flagSet.StringVar(&driver, "driver", "", "override STORE_DRIVER (memory, sqlite, postgres, redis)")
	flagSet.StringVar(&sqlite, "sqlite-path", "", "override SQLITE_PATH")
	flagSet.Usage = func() {
		fmt.Fprintln(out, "usage: linkctl [flags] list|show|revoke|restore|issue|verify [arg]")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if driver != "" {
		cfg.StoreDriver = driver
	}
	if sqlite != "" {
		cfg.SQLitePath = sqlite
	}
	c := &cli{cfg: cfg, log: logger.Nop(), out: out, asJSON: asJSON}
	if verbose {
		c.log = logger.New(cfg.Env)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}
	cmd, rest := rest[0], rest[1:]
	arg := func() (string, error) {
		if len(rest) != 1 {
			return "", fmt.Errorf("%s takes exactly one argument", cmd)
		}
		return rest[0], nil
	}

	ctx := context.Background()
	switch cmd {
	case "list":
		return c.withStore(ctx, c.list)
	case "show", "revoke", "restore":
		handle, err := arg()
		if err != nil {
			return err
		}
		return c.withStore(ctx, func(ctx context.Context, st linkstore.Store) error {
			switch cmd {
			case "revoke":
				if err := st.SetValid(ctx, handle, false); err != nil {
					return err
				}
			case "restore":
				if err := st.SetValid(ctx, handle, true); err != nil {
					return err
				}
			}
			return c.show(ctx, st, handle)
		})
	case "issue":
		handle, err := arg()
		if err != nil {
			return err
		}
		raw, err := c.tokens().Issue(handle)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, raw)
		return nil
	case "verify":
		raw, err := arg()
		if err != nil {
			return err
		}
		res := c.tokens().Verify(raw)
		if !res.Valid {
			return fmt.Errorf("token rejected: %s", res.Reason)
		}
		return c.print(map[string]string{
			"handle":    res.Handle,
			"issued_at": res.IssuedAt.UTC().Format(time.RFC3339),
		})
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) tokens() *token.Service {
	return token.NewService(
		token.Key{ID: c.cfg.HandshakeKeyID, Secret: []byte(c.cfg.HandshakeSecret)},
		token.WithTTL(c.cfg.HandshakeTTL),
	)
}

func (c *cli) withStore(ctx context.Context, fn func(context.Context, linkstore.Store) error) error {
	pool := db.MustConnect(ctx, c.cfg, c.log)
	rdb := db.MustRedis(ctx, c.cfg, c.log)
	defer func() {
		if pool != nil {
			pool.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}()
	st, err := linkstore.New(ctx, c.cfg, linkstore.Dependencies{PG: pool, Redis: rdb}, c.log)
	if err != nil {
		return fmt.Errorf("open link store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

// recordView is the operator-facing shape; the connect-token never leaves
// the store through this tool.
type recordView struct {
	Handle        string `json:"handle" yaml:"handle"`
	UserID        string `json:"user_id" yaml:"user_id"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	BackendUserID string `json:"backend_user_id" yaml:"backend_user_id"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	Origin        string `json:"origin,omitempty" yaml:"origin,omitempty"`
	Valid         bool   `json:"valid" yaml:"valid"`
	CreatedAt     string `json:"created_at" yaml:"created_at"`
	UpdatedAt     string `json:"updated_at" yaml:"updated_at"`
}

func viewOf(r linkstore.Record) recordView {
	return recordView{
		Handle:        r.Handle,
		UserID:        r.UserID,
		Username:      r.Username,
		BackendUserID: r.BackendUserID,
		BaseURL:       r.BaseURL,
		Origin:        r.Origin,
		Valid:         r.Valid,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (c *cli) show(ctx context.Context, st linkstore.Store, handle string) error {
	rec, err := st.Get(ctx, handle)
	if errors.Is(err, linkstore.ErrNotFound) {
		return fmt.Errorf("no link for handle %q", handle)
	}
	if err != nil {
		return err
	}
	return c.print(viewOf(rec))
}

func (c *cli) list(ctx context.Context, st linkstore.Store) error {
	recs, err := st.List(ctx)
	if err != nil {
		return err
	}
	views := make([]recordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, viewOf(r))
	}
	return c.print(views)
}

func (c *cli) print(v any) error {
	if c.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
