package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/config"
	"github.com/wolfeidau/nix-cache/server"
	"github.com/wolfeidau/nix-cache/signature"
	"github.com/wolfeidau/nix-cache/store"
)

// CacheFlags select and configure the cache a command talks to. Zero values
// take the defaults listed by the settings command.
type CacheFlags struct {
	Cache             string        `short:"c" required:"" env:"NIX_CACHE_URI" help:"Cache URI (http://, https:// or file://)."`
	StoreDir          string        `name:"store-dir" env:"NIX_STORE_DIR" help:"Logical store directory."`
	TrustedPublicKeys []string      `name:"trusted-public-keys" sep:" " env:"NIX_CACHE_TRUSTED_PUBLIC_KEYS" help:"Trusted signing keys in name:base64 form."`
	SecretKey         string        `name:"secret-key" type:"existingfile" env:"NIX_CACHE_SECRET_KEY" help:"Secret key file used to sign published paths."`
	Compression       string        `help:"Compression of uploaded archives: none, xz, zstd, gzip or lz4."`
	SSLCert           string        `name:"ssl-cert" help:"Client certificate (PEM file or inline)."`
	SSLKey            string        `name:"ssl-key" help:"Client certificate key (PEM file or inline)."`
	SSLCACert         string        `name:"ssl-ca-cert" help:"CA bundle for verifying the cache."`
	NarInfoTTL        time.Duration `name:"narinfo-ttl" help:"Local cache lifetime of found paths. Negative disables."`
	NegativeTTL       time.Duration `name:"negative-narinfo-ttl" help:"Local cache lifetime of missing paths. Negative disables."`
	RetryAttempts     int           `name:"retry-attempts" help:"Total tries per request."`
	RequestTimeout    time.Duration `name:"request-timeout" help:"Time a request attempt may go without progress."`
	MetaDB            string        `name:"metadb" env:"NIX_CACHE_METADB" help:"Path of the local metadata cache database. In-memory when empty."`
}

func (f *CacheFlags) config() *config.CacheConfig {
	return &config.CacheConfig{
		URI:                f.Cache,
		StoreDir:           f.StoreDir,
		TrustedKeys:        f.TrustedPublicKeys,
		SecretKeyFile:      f.SecretKey,
		Compression:        f.Compression,
		NarInfoTTL:         f.NarInfoTTL,
		NegativeNarInfoTTL: f.NegativeTTL,
		RetryAttempts:      f.RetryAttempts,
		RequestTimeout:     f.RequestTimeout,
		TLS: config.TLSCredentials{
			Cert:   f.SSLCert,
			Key:    f.SSLKey,
			CACert: f.SSLCACert,
		},
	}
}

func (f *CacheFlags) open(g *Globals) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(g.logger)}
	if f.MetaDB != "" {
		opts = append(opts, store.WithCachePath(f.MetaDB))
	}
	return store.New(f.config(), opts...)
}

func (f *CacheFlags) parsePath(s string) (nixcache.StorePath, error) {
	p, err := nixcache.ParseStorePath(s)
	if err != nil {
		return nixcache.StorePath{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	return p, nil
}

// PathInfoCmd prints narinfo records.
type PathInfoCmd struct {
	CacheFlags

	Paths   []string `arg:"" help:"Store paths to query."`
	Valid   bool     `help:"Only print the paths the cache holds."`
	Summary bool     `help:"Print one line per path with its sizes."`
}

func (c *PathInfoCmd) Run(ctx context.Context, g *Globals) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	paths := make([]nixcache.StorePath, 0, len(c.Paths))
	for _, arg := range c.Paths {
		p, err := c.parsePath(arg)
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}

	if c.Valid {
		valid, err := s.QueryValidPaths(ctx, paths)
		for _, p := range valid {
			fmt.Fprintln(g.stdout, p)
		}
		return err
	}

	for i, p := range paths {
		info, err := s.QueryPathInfo(ctx, p)
		if err != nil {
			return err
		}
		if c.Summary {
			fmt.Fprintf(g.stdout, "%s\t%s\t%s\n", info.StorePath, humanize.IBytes(info.NarSize), humanize.IBytes(info.FileSize))
			continue
		}
		if i > 0 {
			fmt.Fprintln(g.stdout)
		}
		fmt.Fprint(g.stdout, info.String())
	}
	return nil
}

// CatCmd streams a single-file store path.
type CatCmd struct {
	CacheFlags

	Path string `arg:"" help:"Store path of a regular file."`
}

func (c *CatCmd) Run(ctx context.Context, g *Globals) error {
	p, err := c.parsePath(c.Path)
	if err != nil {
		return err
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	rc, err := s.Cat(ctx, p)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(g.stdout, rc)
	return err
}

// NarCmd streams the archive of a store path.
type NarCmd struct {
	CacheFlags

	Path string `arg:"" help:"Store path."`
}

func (c *NarCmd) Run(ctx context.Context, g *Globals) error {
	p, err := c.parsePath(c.Path)
	if err != nil {
		return err
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	rc, err := s.NarFromPath(ctx, p)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	n, err := io.Copy(g.stdout, rc)
	if err != nil {
		return err
	}
	g.logger.Debug("wrote archive", "path", p.String(), "size", humanize.IBytes(uint64(n))) //nolint:gosec // n is non-negative
	return nil
}

// PublishCmd adds a file to the cache as a content-addressed path.
type PublishCmd struct {
	CacheFlags

	File       string   `arg:"" type:"existingfile" help:"File to publish."`
	Name       string   `help:"Store path name. Defaults to the file name."`
	References []string `help:"Store paths the file refers to."`
	Init       bool     `help:"Publish nix-cache-info first if the cache has none."`
	Log        string   `type:"existingfile" help:"Build log to publish for --deriver."`
	Deriver    string   `help:"Derivation the build log belongs to."`
}

func (c *PublishCmd) Run(ctx context.Context, g *Globals) error {
	refs := make([]nixcache.StorePath, 0, len(c.References))
	for _, r := range c.References {
		p, err := c.parsePath(r)
		if err != nil {
			return err
		}
		refs = append(refs, p)
	}
	if (c.Log == "") != (c.Deriver == "") {
		return errors.New("--log and --deriver must be given together")
	}

	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if c.Init {
		if err := s.InitCache(ctx); err != nil {
			return err
		}
	}

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	name := c.Name
	if name == "" {
		st, err := f.Stat()
		if err != nil {
			return err
		}
		name = st.Name()
	}

	path, err := s.AddContent(ctx, name, f, refs)
	if err != nil {
		return err
	}

	if c.Log != "" {
		drv, err := c.parsePath(c.Deriver)
		if err != nil {
			return err
		}
		lf, err := os.Open(c.Log)
		if err != nil {
			return err
		}
		defer func() { _ = lf.Close() }()
		if err := s.AddBuildLog(ctx, drv, lf); err != nil {
			return err
		}
	}

	fmt.Fprintln(g.stdout, path)
	return nil
}

// LogCmd prints the build log of a derivation.
type LogCmd struct {
	CacheFlags

	Drv string `arg:"" help:"Derivation store path."`
}

func (c *LogCmd) Run(ctx context.Context, g *Globals) error {
	drv, err := c.parsePath(c.Drv)
	if err != nil {
		return err
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	rc, err := s.GetBuildLog(ctx, drv)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(g.stdout, rc)
	return err
}

// CacheInfoCmd prints nix-cache-info.
type CacheInfoCmd struct {
	CacheFlags
}

func (c *CacheInfoCmd) Run(ctx context.Context, g *Globals) error {
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	info, err := s.CacheInfo(ctx)
	if info != nil {
		_, _ = g.stdout.Write(info.Bytes())
	}
	return err
}

// GenerateKeyCmd creates a signing key pair.
type GenerateKeyCmd struct {
	Name string `required:"" help:"Key name, conventionally the cache host name with a serial, e.g. cache.example.org-1."`
	Out  string `help:"Write the secret key to this file instead of stdout."`
}

func (c *GenerateKeyCmd) Run(g *Globals) error {
	key, err := signature.GenerateKey(c.Name)
	if err != nil {
		return err
	}
	if c.Out != "" {
		if err := os.WriteFile(c.Out, []byte(key.String()+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing secret key: %w", err)
		}
		g.logger.Info("wrote secret key", "path", c.Out)
	} else {
		fmt.Fprintln(g.stdout, key.String())
	}
	fmt.Fprintln(g.stdout, key.Public().String())
	return nil
}

// ServeCmd runs a binary cache server.
type ServeCmd struct {
	Address   string `default:":8080" env:"NIX_CACHE_ADDRESS" help:"Address to listen on."`
	Root      string `default:"./cache" env:"NIX_CACHE_ROOT" help:"Directory the cache is stored in."`
	ReadOnly  bool   `name:"read-only" help:"Reject uploads."`
	AuthToken string `name:"auth-token" env:"NIX_CACHE_AUTH_TOKEN" help:"Require this Bearer token."`
	TLSCert   string `name:"tls-cert" help:"Server certificate (PEM file or inline)."`
	TLSKey    string `name:"tls-key" help:"Server certificate key (PEM file or inline)."`
	ClientCA  string `name:"client-ca" help:"Require client certificates signed by this CA bundle."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	srv, err := server.New(server.Config{
		Address:   c.Address,
		Root:      c.Root,
		ReadOnly:  c.ReadOnly,
		AuthToken: c.AuthToken,
		TLSCert:   c.TLSCert,
		TLSKey:    c.TLSKey,
		ClientCA:  c.ClientCA,
		Logger:    g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SettingsCmd prints the settings table.
type SettingsCmd struct{}

func (c *SettingsCmd) Run(g *Globals) error {
	tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEFAULT\tDESCRIPTION")
	for _, s := range config.Settings {
		def := s.Default
		if def == "" {
			def = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, def, s.Description)
	}
	return tw.Flush()
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintln(g.stdout, version)
	return nil
}
