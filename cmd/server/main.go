package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessiongate/internal/authkit"
	"github.com/tyemirov/sessiongate/internal/authkitpg"
	"github.com/tyemirov/sessiongate/internal/oauthprovider"
	"github.com/tyemirov/sessiongate/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (oauthprovider.GoogleTokenValidator, error) {
	return oauthprovider.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessiongate",
		Short:   "OAuth2 sign-in gateway with opaque, revocable sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("public_base_url", "", "Externally visible origin used to build OAuth callback URLs")
	rootCmd.Flags().String("base_path", authkit.DefaultBasePath, "Route prefix for the auth endpoints")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("session_cookie_name", authkit.DefaultSessionCookieName, "Session cookie name")
	rootCmd.Flags().Duration("session_ttl", authkit.DefaultSessionTTL, "Session lifetime")
	rootCmd.Flags().Duration("session_renewal_window", 0, "Remaining lifetime below which sessions are extended; 0 means a third of session_ttl")
	rootCmd.Flags().Duration("oauth_state_ttl", authkit.DefaultOAuthStateTTL, "Lifetime of the oauth_state and code_verifier cookies")
	rootCmd.Flags().Bool("production", false, "Mark cookies Secure")
	rootCmd.Flags().String("post_login_redirect", authkit.DefaultPostLoginRedirect, "Redirect target after a successful sign-in")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", databaseDriverGORM, "Persistence driver for database_url: gorm or pgx")
	rootCmd.Flags().Duration("provider_timeout", oauthprovider.DefaultTimeout, "Timeout for each identity provider call")
	rootCmd.Flags().Duration("session_sweep_interval", time.Hour, "Interval between expired session sweeps; 0 disables")
	rootCmd.Flags().String("github_client_id", "", "GitHub OAuth client id")
	rootCmd.Flags().String("github_client_secret", "", "GitHub OAuth client secret")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client id")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("discord_client_id", "", "Discord OAuth client id")
	rootCmd.Flags().String("discord_client_secret", "", "Discord OAuth client secret")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Origins allowed to make credentialed cross-origin requests")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	databaseDriverGORM = "gorm"
	databaseDriverPGX  = "pgx"

	shutdownGracePeriod = 10 * time.Second

	configCodeMissingPublicBaseURL    = "config.missing_public_base_url"
	configCodeInvalidPublicBaseURL    = "config.invalid_public_base_url"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRenewalWindow    = "config.invalid_session_renewal_window"
	configCodeInvalidOAuthStateTTL    = "config.invalid_oauth_state_ttl"
	configCodeInvalidProviderTimeout  = "config.invalid_provider_timeout"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeMissingProviders        = "config.missing_providers"
	configCodeIncompleteProvider      = "config.incomplete_provider"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

// providerCredentials holds one provider's client registration.
type providerCredentials struct {
	ClientID     string
	ClientSecret string
}

// serverSettings is the validated process configuration.
type serverSettings struct {
	Auth                 authkit.ServerConfig
	ListenAddr           string
	PublicBaseURL        string
	DatabaseURL          string
	DatabaseDriver       string
	ProviderTimeout      time.Duration
	SessionSweepInterval time.Duration
	CORSAllowedOrigins   []string
	Providers            map[string]providerCredentials
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

var supportedProviders = []string{"discord", "github", "google"}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, settings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the bound flags and APP_ environment variables.
func LoadServerConfig() (serverSettings, error) {
	publicBaseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("public_base_url")), "/")
	if publicBaseURL == "" {
		return serverSettings{}, configError(configCodeMissingPublicBaseURL, "public_base_url must be provided")
	}
	parsedBaseURL, parseErr := url.Parse(publicBaseURL)
	if parseErr != nil || (parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https") || parsedBaseURL.Host == "" {
		return serverSettings{}, configError(configCodeInvalidPublicBaseURL, "public_base_url must be an absolute http(s) URL")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return serverSettings{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	renewalWindow := viper.GetDuration("session_renewal_window")
	if renewalWindow == 0 {
		renewalWindow = sessionTTL / 3
	}
	if renewalWindow < 0 || renewalWindow >= sessionTTL {
		return serverSettings{}, configError(configCodeInvalidRenewalWindow, "session_renewal_window must be greater than zero and less than session_ttl")
	}
	oauthStateTTL := viper.GetDuration("oauth_state_ttl")
	if oauthStateTTL == 0 {
		oauthStateTTL = authkit.DefaultOAuthStateTTL
	}
	if oauthStateTTL < 0 {
		return serverSettings{}, configError(configCodeInvalidOAuthStateTTL, "oauth_state_ttl must be greater than zero")
	}
	providerTimeout := viper.GetDuration("provider_timeout")
	if providerTimeout == 0 {
		providerTimeout = oauthprovider.DefaultTimeout
	}
	if providerTimeout < 0 {
		return serverSettings{}, configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}

	databaseDriver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if databaseDriver == "" {
		databaseDriver = databaseDriverGORM
	}
	if databaseDriver != databaseDriverGORM && databaseDriver != databaseDriverPGX {
		return serverSettings{}, configError(configCodeInvalidDatabaseDriver, "database_driver must be gorm or pgx")
	}

	providers := make(map[string]providerCredentials)
	for _, name := range supportedProviders {
		credentials := providerCredentials{
			ClientID:     strings.TrimSpace(viper.GetString(name + "_client_id")),
			ClientSecret: strings.TrimSpace(viper.GetString(name + "_client_secret")),
		}
		if credentials.ClientID == "" && credentials.ClientSecret == "" {
			continue
		}
		if credentials.ClientID == "" || credentials.ClientSecret == "" {
			return serverSettings{}, configError(configCodeIncompleteProvider, name+"_client_id and "+name+"_client_secret must be provided together")
		}
		providers[name] = credentials
	}
	if len(providers) == 0 {
		return serverSettings{}, configError(configCodeMissingProviders, "at least one of github, google, or discord must be configured")
	}

	return serverSettings{
		Auth: authkit.ServerConfig{
			BasePath:             viper.GetString("base_path"),
			CookieDomain:         viper.GetString("cookie_domain"),
			SessionCookieName:    viper.GetString("session_cookie_name"),
			SessionTTL:           sessionTTL,
			SessionRenewalWindow: renewalWindow,
			OAuthStateTTL:        oauthStateTTL,
			PostLoginRedirect:    viper.GetString("post_login_redirect"),
			Production:           viper.GetBool("production"),
		},
		ListenAddr:           viper.GetString("listen_addr"),
		PublicBaseURL:        publicBaseURL,
		DatabaseURL:          strings.TrimSpace(viper.GetString("database_url")),
		DatabaseDriver:       databaseDriver,
		ProviderTimeout:      providerTimeout,
		SessionSweepInterval: viper.GetDuration("session_sweep_interval"),
		CORSAllowedOrigins:   viper.GetStringSlice("cors_allowed_origins"),
		Providers:            providers,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	settings, ok := contextValue.(serverSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	backgroundCtx, stopBackground := context.WithCancel(commandContext)
	defer stopBackground()

	store, closeStore, storeErr := buildStore(backgroundCtx, settings, logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	registry, registryErr := buildProviderRegistry(backgroundCtx, settings)
	if registryErr != nil {
		return registryErr
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(metricsRegistry)
	if metricsErr != nil {
		return metricsErr
	}

	router, sessions, routerErr := buildRouter(settings, store, registry, metricsRecorder, logger)
	if routerErr != nil {
		return routerErr
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})))

	go sessions.RunSweeper(backgroundCtx, settings.SessionSweepInterval)

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignals)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		awaitShutdown(shutdownCtx, stopSignals, server, stopBackground, logger)
	}()

	logger.Info("listening",
		zap.String("addr", settings.ListenAddr),
		zap.Strings("providers", registry.Names()))
	serveErr := serveHTTP(server)
	shutdownCancel()
	<-shutdownDone
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

type serverShutdowner interface {
	Shutdown(ctx context.Context) error
}

// awaitShutdown drains server once a stop signal arrives. It returns without
// touching the server when ctx ends first.
func awaitShutdown(ctx context.Context, stopSignals <-chan os.Signal, server serverShutdowner, stopBackground func(), logger *zap.Logger) {
	select {
	case <-stopSignals:
	case <-ctx.Done():
		return
	}
	stopBackground()
	graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer graceCancel()
	if err := server.Shutdown(graceCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

// buildRouter assembles the gin engine: access log, CORS, the auth gateway, and /api/me.
func buildRouter(settings serverSettings, store authkit.Store, providers authkit.ProviderLookup, metrics authkit.MetricsRecorder, logger *zap.Logger) (*gin.Engine, *authkit.SessionStore, error) {
	sessions := authkit.NewSessionStore(store, store, authkit.SessionOptions{
		TTL:           settings.Auth.SessionTTL,
		RenewalWindow: settings.Auth.SessionRenewalWindow,
		Logger:        logger,
		Metrics:       metrics,
	})
	gateway, gatewayErr := authkit.NewGateway(settings.Auth, authkit.GatewayDependencies{
		Providers: providers,
		Linker:    authkit.NewIdentityLinker(store, logger, metrics),
		Sessions:  sessions,
		Logger:    logger,
		Metrics:   metrics,
	})
	if gatewayErr != nil {
		return nil, nil, gatewayErr
	}
	corsMiddleware, corsErr := web.BlanketCORS(logger, settings.CORSAllowedOrigins)
	if corsErr != nil {
		return nil, nil, corsErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	router.Use(corsMiddleware)

	gateway.Mount(router)

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(settings.Auth, sessions, logger))
	protected.GET("/me", web.HandleWhoAmI(logger))

	return router, sessions, nil
}

func buildStore(ctx context.Context, settings serverSettings, logger *zap.Logger) (authkit.Store, func(), error) {
	if settings.DatabaseURL == "" {
		logger.Info("using in-memory store")
		return authkit.NewMemoryStore(), func() {}, nil
	}
	if settings.DatabaseDriver == databaseDriverPGX {
		pool, poolErr := authkitpg.BuildPool(ctx, settings.DatabaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent store", zap.String("driver", databaseDriverPGX))
		return authkitpg.NewPostgresStore(pool), pool.Close, nil
	}
	persistentStore, storeErr := authkit.NewDatabaseStore(ctx, settings.DatabaseURL)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	logger.Info("using persistent store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, func() {}, nil
}

func buildProviderRegistry(ctx context.Context, settings serverSettings) (*oauthprovider.Registry, error) {
	credentialsFor := func(name string) oauthprovider.Credentials {
		registration := settings.Providers[name]
		return oauthprovider.Credentials{
			ClientID:     registration.ClientID,
			ClientSecret: registration.ClientSecret,
			RedirectURL:  callbackURL(settings, name),
			Timeout:      settings.ProviderTimeout,
		}
	}

	var providers []oauthprovider.Provider
	if _, ok := settings.Providers["github"]; ok {
		providers = append(providers, oauthprovider.NewGitHubProvider(oauthprovider.GitHubCredentials{
			Credentials: credentialsFor("github"),
		}))
	}
	if _, ok := settings.Providers["google"]; ok {
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		providers = append(providers, oauthprovider.NewGoogleProvider(credentialsFor("google"), validator))
	}
	if _, ok := settings.Providers["discord"]; ok {
		providers = append(providers, oauthprovider.NewDiscordProvider(credentialsFor("discord")))
	}
	return oauthprovider.NewRegistry(providers...)
}

func callbackURL(settings serverSettings, provider string) string {
	basePath := strings.TrimSpace(settings.Auth.BasePath)
	if basePath == "" {
		basePath = authkit.DefaultBasePath
	}
	prefix := settings.PublicBaseURL
	if trimmed := strings.Trim(basePath, "/"); trimmed != "" {
		prefix += "/" + trimmed
	}
	return prefix + "/oauth/" + provider + "/callback"
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
