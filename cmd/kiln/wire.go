package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	redigo "github.com/gomodule/redigo/redis"

	"github.com/kiln-pm/kiln/internal/cache"
	"github.com/kiln-pm/kiln/internal/config"
	"github.com/kiln-pm/kiln/internal/debugserver"
	"github.com/kiln-pm/kiln/internal/events"
	"github.com/kiln-pm/kiln/internal/fetch"
	"github.com/kiln-pm/kiln/internal/fetch/aliyunmirror"
	"github.com/kiln-pm/kiln/internal/fetch/azuremirror"
	"github.com/kiln-pm/kiln/internal/fetch/gcsmirror"
	"github.com/kiln-pm/kiln/internal/fetch/s3mirror"
	"github.com/kiln-pm/kiln/internal/fetch/swiftmirror"
	"github.com/kiln-pm/kiln/internal/filestore"
	"github.com/kiln-pm/kiln/internal/guard"
	"github.com/kiln-pm/kiln/internal/hash"
	"github.com/kiln-pm/kiln/internal/installer"
	"github.com/kiln-pm/kiln/internal/kilnerrors"
	"github.com/kiln-pm/kiln/internal/metrics"
	"github.com/kiln-pm/kiln/internal/pipeline"
	"github.com/kiln-pm/kiln/internal/pkgstore"
	"github.com/kiln-pm/kiln/internal/resolver"
	"github.com/kiln-pm/kiln/internal/state"
	"github.com/kiln-pm/kiln/internal/trust"
	"github.com/kiln-pm/kiln/ops"
)

// env bundles every long-lived component a command needs, assembled once
// by loadEnv and torn down by its Close before the process exits.
type env struct {
	cfg      *config.Config
	ops      *ops.Ops
	state    *state.Manager
	debug    *debugserver.Server
	mc       *metrics.Collectors
	fetcher  *fetch.Manager
	scratch  string
}

func (e *env) Close() error {
	if e.debug != nil {
		e.debug.Shutdown(context.Background())
	}
	return e.state.Close()
}

// loadEnv reads the configuration at configPath and wires every component
// it names into a ready-to-use Ops facade: file/package stores, the
// sqlite ledger, the atomic installer, the verifier, the mirror-backed
// fetch manager, trust verifiers, the descriptor cache, metrics, and the
// optional debug listener.
func loadEnv(ctx context.Context) (*env, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Input, "read configuration file "+configPath, err)
	}
	cfg, err := config.ParseStrict(data)
	if err != nil {
		return nil, err
	}
	if ctx, err = configureLogging(ctx, &cfg.Log); err != nil {
		return nil, err
	}
	configureBugsnag(os.Getenv("BUGSNAG_API_KEY"))

	algo, err := parseAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.StateDBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Root, "state.db")
	}
	scratch := filepath.Join(cfg.Root, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, kilnerrors.Wrap(kilnerrors.Storage, "create scratch directory", err)
	}

	files, err := filestore.New(filepath.Join(cfg.Root, "objects"), hash.XxHash128)
	if err != nil {
		return nil, err
	}
	pkgStore, err := pkgstore.New(filepath.Join(cfg.Root, "packages"), files, algo)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(ctx, dbPath, cfg.Root)
	if err != nil {
		return nil, err
	}

	inst := installer.New(cfg.Root, pkgStore)
	bus := events.NewBus()
	mc := metrics.New()
	verifier := guard.New(st, pkgStore, files, bus)

	fm, err := buildFetchManager(ctx, cfg.Mirrors)
	if err != nil {
		st.Close()
		return nil, err
	}

	pl := pipeline.New(fm, pkgStore, bus, mc, cfg.Concurrency, scratch)
	verifiers, err := buildVerifiers(cfg.Trust)
	if err != nil {
		st.Close()
		return nil, err
	}
	if len(verifiers) > 0 || cfg.Trust.RequireSignatures {
		pl = pl.WithTrust(verifiers, cfg.Trust.RequireSignatures)
	}

	o := ops.New(st, pl, inst, verifier, pkgStore, files, bus, mc, scratch)
	cacheProvider, err := buildCache(cfg.Cache)
	if err != nil {
		st.Close()
		return nil, err
	}
	o = o.WithCache(cacheProvider)

	var dbg *debugserver.Server
	if cfg.DebugServer.Enabled {
		addr := cfg.DebugServer.Addr
		if addr == "" {
			addr = "localhost:5002"
		}
		dbg = debugserver.New(addr, mc)
		dbg.Start(ctx)
	}

	e := &env{cfg: cfg, ops: o, state: st, debug: dbg, mc: mc, fetcher: fm, scratch: scratch}

	if idxPath := os.Getenv("KILN_INDEX_PATH"); idxPath != "" {
		if err := refreshIndexFromFile(o, idxPath); err != nil {
			st.Close()
			return nil, err
		}
	}
	return e, nil
}

// refreshIndexFromFile loads a package index document from a local path
// and installs it. Nothing else in kiln fetches and parses the index, so
// this is the one place that plumbing exists; a future version could
// instead pull it through fetcher using an "index" mirror path.
func refreshIndexFromFile(o *ops.Ops, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Input, "read package index "+path, err)
	}
	idx, err := resolver.ParseIndex(data)
	if err != nil {
		return err
	}
	o.SetIndex(idx)
	return nil
}

func parseAlgorithm(name string) (hash.Algorithm, error) {
	switch name {
	case "", "blake3":
		return hash.Blake3, nil
	case "xxhash128":
		return hash.XxHash128, nil
	default:
		return 0, kilnerrors.New(kilnerrors.Input, fmt.Sprintf("unsupported hash_algorithm %q", name)).WithDetails(name)
	}
}

// buildFetchManager registers one Fetcher per configured mirror, in
// priority order, behind a single fetch.Manager.
func buildFetchManager(ctx context.Context, mirrors []config.Mirror) (*fetch.Manager, error) {
	fm := fetch.NewManager()
	for _, m := range mirrors {
		f, err := buildMirror(ctx, m)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, "configure mirror "+m.Name, err)
		}
		fm.AddMirror(m.Name, m.Priority, f)
	}
	return fm, nil
}

func buildMirror(ctx context.Context, m config.Mirror) (fetch.Fetcher, error) {
	switch m.Kind {
	case "", "http":
		return fetch.NewHTTPFetcher(m.BaseURL, fetch.DefaultRetryPolicy()), nil
	case "s3":
		return s3mirror.New(s3mirror.Config{
			Bucket:    m.Bucket,
			Region:    m.Region,
			Endpoint:  m.Options["endpoint"],
			KeyPrefix: m.Options["key_prefix"],
		})
	case "azure":
		return azuremirror.New(azuremirror.Config{
			AccountName: m.Options["account_name"],
			AccountKey:  m.Options["account_key"],
			Container:   m.Bucket,
			KeyPrefix:   m.Options["key_prefix"],
		})
	case "swift":
		return swiftmirror.New(swiftmirror.Config{
			Username:  m.Options["username"],
			Password:  m.Options["password"],
			AuthURL:   m.Options["auth_url"],
			Tenant:    m.Options["tenant"],
			Region:    m.Region,
			Container: m.Bucket,
			Prefix:    m.Options["key_prefix"],
		})
	case "aliyun":
		return aliyunmirror.New(aliyunmirror.Config{
			AccessKeyID:     m.Options["access_key_id"],
			AccessKeySecret: m.Options["access_key_secret"],
			Bucket:          m.Bucket,
			Region:          m.Region,
			Endpoint:        m.Options["endpoint"],
			Prefix:          m.Options["key_prefix"],
		})
	case "gcs":
		return gcsmirror.New(ctx, gcsmirror.Config{
			Bucket: m.Bucket,
			Prefix: m.Options["key_prefix"],
		})
	default:
		return nil, kilnerrors.New(kilnerrors.Input, "unknown mirror kind "+m.Kind).WithDetails(m.Kind)
	}
}

// buildVerifiers turns config.Trust's key material into a trust.Verifier
// set: each of TrustedKeyIDs, plus every key named in the file at
// TrustedKeysPath (one hex-encoded ed25519 public key per line), is
// parsed with trust.ParseEd25519PublicKeyHex.
func buildVerifiers(t config.Trust) ([]trust.Verifier, error) {
	var out []trust.Verifier
	for _, hexKey := range t.TrustedKeyIDs {
		v, err := trust.ParseEd25519PublicKeyHex(hexKey)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, "parse trusted key id", err)
		}
		out = append(out, v)
	}
	if t.TrustedKeysPath != "" {
		data, err := os.ReadFile(t.TrustedKeysPath)
		if err != nil {
			return nil, kilnerrors.Wrap(kilnerrors.Input, "read trusted keys file "+t.TrustedKeysPath, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			v, err := trust.ParseEd25519PublicKeyHex(line)
			if err != nil {
				return nil, kilnerrors.Wrap(kilnerrors.Input, "parse trusted keys file "+t.TrustedKeysPath, err)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// buildCache constructs the configured descriptor cache backend, falling
// back to cache.Noop when caching is disabled.
func buildCache(c config.Cache) (cache.Provider, error) {
	if !c.Enabled {
		return cache.Noop(), nil
	}
	switch c.Backend {
	case "", "memory":
		return cache.NewMemory(c.MaxItems)
	case "redis":
		if c.RedisURL == "" {
			return nil, kilnerrors.New(kilnerrors.Input, "cache.redis_url is required when cache.backend is \"redis\"")
		}
		pool := &redigo.Pool{
			MaxIdle:     8,
			IdleTimeout: 0,
			Dial:        func() (redigo.Conn, error) { return redigo.DialURL(c.RedisURL) },
		}
		return cache.NewRedis(pool), nil
	default:
		return nil, kilnerrors.New(kilnerrors.Input, "unknown cache backend "+c.Backend).WithDetails(c.Backend)
	}
}
