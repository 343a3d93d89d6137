package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gnitoahc/go-dotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/assetgw/pkg/asset"
	"github.com/jacktea/assetgw/pkg/blob"
	"github.com/jacktea/assetgw/pkg/logging"
	"github.com/jacktea/assetgw/pkg/metrics"
	"github.com/jacktea/assetgw/pkg/objname"
	"github.com/jacktea/assetgw/pkg/respcache"
	"github.com/jacktea/assetgw/pkg/server/httpapi"
	"github.com/jacktea/assetgw/pkg/server/middleware"
)

type app struct {
	ctx      context.Context
	log      *slog.Logger
	service  *asset.Service
	registry *prometheus.Registry
	cleanup  []func()
}

func (a *app) ensureService() error {
	if a.service != nil {
		return nil
	}
	ctx := context.Background()
	logger, err := logging.New(os.Stderr, logging.Options{
		Level:  viper.GetString("log_level"),
		Format: viper.GetString("log_format"),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := buildStore(ctx, viper.GetString("storage_provider"), storageOptions{
		Root:         viper.GetString("root"),
		Meta:         viper.GetString("meta"),
		Endpoint:     viper.GetString("storage_endpoint"),
		Bucket:       viper.GetString("storage_bucket"),
		Region:       viper.GetString("storage_region"),
		AccessKey:    viper.GetString("storage_access_key"),
		SecretKey:    viper.GetString("storage_secret_key"),
		SessionToken: viper.GetString("storage_session_token"),
		AccountID:    viper.GetString("storage_account_id"),
		PathStyle:    viper.GetBool("storage_path_style"),
		UseSSL:       viper.GetBool("storage_use_ssl"),
	})
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		a.cleanup = append(a.cleanup, func() { _ = closer.Close() })
	}

	cache, err := buildCache(viper.GetString("cache_provider"), cacheOptions{
		Entries:       viper.GetInt("cache_entries"),
		TTL:           viper.GetDuration("cache_ttl"),
		MaxEntryBytes: viper.GetInt64("cache_max_entry_bytes"),
		RedisAddr:     viper.GetString("redis_addr"),
		RedisDB:       viper.GetInt("redis_db"),
		RedisPassword: viper.GetString("redis_password"),
	})
	if err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if closer, ok := cache.(io.Closer); ok {
		a.cleanup = append(a.cleanup, func() { _ = closer.Close() })
	}

	cfg := asset.Config{
		Store:             store,
		Cache:             cache,
		Logger:            logger,
		CacheWriteTimeout: viper.GetDuration("serve.cache_write_timeout"),
		MaxUploadBytes:    viper.GetInt64("serve.max_upload_bytes"),
	}
	if viper.GetBool("serve.metrics") {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		observer, err := metrics.NewPrometheusObserver("assetgw", reg)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		cfg.Observer = observer
		a.registry = reg
	}
	svc, err := asset.New(cfg)
	if err != nil {
		return err
	}
	a.ctx = ctx
	a.log = logger
	a.service = svc
	return nil
}

func (a *app) close() {
	if a.service != nil {
		a.service.Wait()
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "assetgw",
		Short:         "Media asset gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureService()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	dotenv.Load(".env")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("assetgw")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "assetgw"))
		}
	}
	viper.SetEnvPrefix("ASSETGW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text|json|logfmt")

	rootCmd.PersistentFlags().String("storage-provider", "local", "storage provider: local|s3|r2|minio")
	rootCmd.PersistentFlags().String("root", ".assetgw/objects", "object root (local provider)")
	rootCmd.PersistentFlags().String("meta", "", "metadata index file (local provider, default <root>/meta.db)")
	rootCmd.PersistentFlags().String("storage-endpoint", "", "remote storage endpoint")
	rootCmd.PersistentFlags().String("storage-bucket", "", "remote storage bucket name")
	rootCmd.PersistentFlags().String("storage-region", "", "remote storage region")
	rootCmd.PersistentFlags().String("storage-access-key", "", "remote storage access key")
	rootCmd.PersistentFlags().String("storage-secret-key", "", "remote storage secret key")
	rootCmd.PersistentFlags().String("storage-session-token", "", "remote storage session token (S3)")
	rootCmd.PersistentFlags().String("storage-account-id", "", "Cloudflare account id (r2 provider)")
	rootCmd.PersistentFlags().Bool("storage-path-style", false, "use path-style bucket addressing")
	rootCmd.PersistentFlags().Bool("storage-use-ssl", true, "use TLS when the endpoint has no scheme (minio provider)")

	rootCmd.PersistentFlags().String("cache-provider", "memory", "response cache: memory|redis|none")
	rootCmd.PersistentFlags().Int("cache-entries", 256, "entries kept by the memory cache")
	rootCmd.PersistentFlags().Duration("cache-ttl", time.Hour, "time to keep cached responses (0 keeps until evicted)")
	rootCmd.PersistentFlags().Int64("cache-max-entry-bytes", 32<<20, "largest response body cached (0 disables the limit)")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address (redis cache)")
	rootCmd.PersistentFlags().Int("redis-db", 0, "redis database (redis cache)")
	rootCmd.PersistentFlags().String("redis-password", "", "redis password (redis cache)")

	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindConfig("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	bindConfig("storage_provider", rootCmd.PersistentFlags().Lookup("storage-provider"))
	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("meta", rootCmd.PersistentFlags().Lookup("meta"))
	bindConfig("storage_endpoint", rootCmd.PersistentFlags().Lookup("storage-endpoint"))
	bindConfig("storage_bucket", rootCmd.PersistentFlags().Lookup("storage-bucket"))
	bindConfig("storage_region", rootCmd.PersistentFlags().Lookup("storage-region"))
	bindConfig("storage_access_key", rootCmd.PersistentFlags().Lookup("storage-access-key"))
	bindConfig("storage_secret_key", rootCmd.PersistentFlags().Lookup("storage-secret-key"))
	bindConfig("storage_session_token", rootCmd.PersistentFlags().Lookup("storage-session-token"))
	bindConfig("storage_account_id", rootCmd.PersistentFlags().Lookup("storage-account-id"))
	bindConfig("storage_path_style", rootCmd.PersistentFlags().Lookup("storage-path-style"))
	bindConfig("storage_use_ssl", rootCmd.PersistentFlags().Lookup("storage-use-ssl"))

	bindConfig("cache_provider", rootCmd.PersistentFlags().Lookup("cache-provider"))
	bindConfig("cache_entries", rootCmd.PersistentFlags().Lookup("cache-entries"))
	bindConfig("cache_ttl", rootCmd.PersistentFlags().Lookup("cache-ttl"))
	bindConfig("cache_max_entry_bytes", rootCmd.PersistentFlags().Lookup("cache-max-entry-bytes"))
	bindConfig("redis_addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	bindConfig("redis_db", rootCmd.PersistentFlags().Lookup("redis-db"))
	bindConfig("redis_password", rootCmd.PersistentFlags().Lookup("redis-password"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newRmCmd(),
		newResolveCmd(),
	)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload, download and delete API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:           viper.GetString("serve.addr"),
				RateLimit:      viper.GetInt("serve.rate_limit"),
				RateWindow:     viper.GetDuration("serve.rate_window"),
				MaxUploadBytes: viper.GetInt64("serve.max_upload_bytes"),
			}
			ctx, stop := signal.NotifyContext(application.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Duration("cache-write-timeout", 30*time.Second, "bound on each background cache write")
	cmd.Flags().Int64("max-upload-bytes", 0, "largest accepted upload (0 disables the limit)")
	cmd.Flags().Bool("metrics", false, "expose Prometheus metrics on /metrics")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.cache_write_timeout", cmd.Flags().Lookup("cache-write-timeout"))
	bindConfig("serve.max_upload_bytes", cmd.Flags().Lookup("max-upload-bytes"))
	bindConfig("serve.metrics", cmd.Flags().Lookup("metrics"))
	return cmd
}

func newPutCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "put <id> [file]",
		Short: "Upload a file (or stdin) as a new asset",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := ""
			if len(args) == 2 {
				src = args[1]
			}
			return doPut(application.ctx, application.service, args[0], src, contentType)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default derived from the id's extension)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var rangeHeader string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write an asset to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGet(application.ctx, application.service, args[0], rangeHeader, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&rangeHeader, "range", "", "byte range, e.g. bytes=0-99 or bytes=-100")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id[,id...]>",
		Short: "Delete one or more assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRm(application.ctx, application.service, args[0], os.Stdout)
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Print the storage key an asset id maps to",
		Args:  cobra.ExactArgs(1),
		// resolving needs no backend
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, objname.Resolve(args[0]))
			return nil
		},
	}
}

type serveOptions struct {
	Addr           string
	RateLimit      int
	RateWindow     time.Duration
	MaxUploadBytes int64
}

func runServe(ctx context.Context, a *app, opt serveOptions) error {
	httpOpts := httpapi.Options{MaxUploadBytes: opt.MaxUploadBytes}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	if a.registry != nil {
		httpOpts.Metrics = a.registry
	}
	server := &httpapi.Server{Assets: a.service, Log: a.log, Opts: httpOpts}
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func doPut(ctx context.Context, svc *asset.Service, id, src, contentType string) error {
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(id))
	}
	var body io.Reader = os.Stdin
	size := int64(-1)
	if src != "" {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		body, size = f, info.Size()
	}
	meta, err := svc.Upload(ctx, asset.UploadRequest{
		ID:     id,
		Header: http.Header{"Content-Type": {contentType}},
		Body:   body,
		Size:   size,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %s (%d bytes, etag %s)\n", meta.Key, meta.Size, meta.ETag)
	return nil
}

func doGet(ctx context.Context, svc *asset.Service, id, rangeHeader string, w io.Writer) error {
	header := http.Header{}
	if rangeHeader != "" {
		header.Set("Range", rangeHeader)
	}
	resp, err := svc.Download(ctx, id, header)
	if err != nil {
		return err
	}
	if resp.Cached != nil {
		body := resp.Cached.Body
		if rng, err := blob.ParseRange(rangeHeader); err == nil && rng != nil {
			first, last, err := rng.Bounds(int64(len(body)))
			if err != nil {
				return err
			}
			body = body[first : last+1]
		}
		_, err := w.Write(body)
		return err
	}
	if resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func doRm(ctx context.Context, svc *asset.Service, list string, w io.Writer) error {
	out := svc.DeleteBatch(ctx, list)
	for _, id := range out.Succeeded {
		fmt.Fprintf(w, "deleted\t%s\n", id)
	}
	for _, f := range out.Failed {
		fmt.Fprintf(w, "failed\t%s\t%s\n", f.ID, f.Reason)
	}
	if out.AllFailed() {
		return errors.New("no asset deleted")
	}
	return nil
}

type storageOptions struct {
	Root         string
	Meta         string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	AccountID    string
	PathStyle    bool
	UseSSL       bool
}

func buildStore(ctx context.Context, provider string, opts storageOptions) (blob.Store, error) {
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires a root")
		}
		return blob.NewPathStore(blob.PathConfig{Root: opts.Root, MetaPath: opts.Meta})
	case "s3":
		if opts.Bucket == "" {
			return nil, errors.New("s3 config requires a bucket")
		}
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     opts.Endpoint,
			Bucket:       opts.Bucket,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
			PathStyle:    opts.PathStyle,
		})
	case "r2":
		if opts.Bucket == "" || opts.AccountID == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("r2 config requires bucket, account id, access key, and secret key")
		}
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  opts.Endpoint,
			Bucket:    opts.Bucket,
			AccountID: opts.AccountID,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
	case "minio":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("minio config requires endpoint, bucket, access key, and secret key")
		}
		return blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  opts.Endpoint,
			Region:    opts.Region,
			Bucket:    opts.Bucket,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			UseSSL:    opts.UseSSL,
			PathStyle: opts.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

type cacheOptions struct {
	Entries       int
	TTL           time.Duration
	MaxEntryBytes int64
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

func buildCache(provider string, opts cacheOptions) (respcache.Cache, error) {
	switch strings.ToLower(provider) {
	case "", "memory":
		return respcache.NewMemory(respcache.MemoryConfig{
			Entries:       opts.Entries,
			TTL:           opts.TTL,
			MaxEntryBytes: opts.MaxEntryBytes,
		}), nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, errors.New("redis cache requires an address")
		}
		return respcache.NewRedis(respcache.RedisConfig{
			Addr:          opts.RedisAddr,
			DB:            opts.RedisDB,
			Password:      opts.RedisPassword,
			TTL:           opts.TTL,
			MaxEntryBytes: opts.MaxEntryBytes,
		}), nil
	case "none", "off":
		return respcache.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", provider)
	}
}
