package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/maynagashev/notekeeper/internal/handlers"
	appmiddleware "github.com/maynagashev/notekeeper/internal/middleware"
	"github.com/maynagashev/notekeeper/internal/repository"
	"github.com/maynagashev/notekeeper/internal/services"
	"github.com/maynagashev/notekeeper/internal/storage"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	shutdownTimeout        = 15 * time.Second
	minioConnectTimeout    = 10 * time.Second
	corsMaxAge             = 300
	defaultMinioBucketName = "notekeeper-snapshots"
)

// Структура для хранения инициализированных зависимостей.
type dependencies struct {
	repo        *repository.CSVNoteRepository
	backup      *services.SnapshotBackup
	authService services.AuthService
	limiter     *services.RateLimiter

	authHandler *handlers.AuthHandler
	noteHandler *handlers.NoteHandler
}

// Close освобождает ресурсы в обратном порядке создания.
func (d *dependencies) Close() {
	if d.limiter != nil {
		d.limiter.Close()
	}
	if d.authService != nil {
		d.authService.Close()
	}
	if d.repo != nil {
		if err := d.repo.Close(); err != nil {
			slog.Error("Ошибка закрытия файла данных", "error", err)
		}
	}
	if d.backup != nil {
		d.backup.Close()
	}
}

// main - точка входа. Вызывает run и обрабатывает ошибку.
func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Ошибка выполнения сервера", "error", err)
		os.Exit(1)
	}
}

// run содержит основную логику запуска сервера и возвращает ошибку.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)
	slog.Info("Запуск сервера NoteKeeper...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := setupDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ошибка инициализации зависимостей: %w", err)
	}
	defer deps.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      setupRouter(deps, cfg),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			slog.Info("Запуск HTTPS-сервера", "port", cfg.Port, "cert", cfg.CertFile, "key", cfg.KeyFile)
			errCh <- server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
			return
		}
		slog.Info("Запуск HTTP-сервера", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ошибка запуска сервера: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Остановка сервера...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка остановки сервера: %w", err)
	}
	slog.Info("Сервер остановлен")
	return nil
}

func setupLogger(level string) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// setupDependencies инициализирует и возвращает все необходимые зависимости сервера.
func setupDependencies(ctx context.Context, cfg *config) (*dependencies, error) {
	deps := &dependencies{}
	var err error

	// 1. Выгрузка копий в MinIO (необязательна)
	var opts repository.Options
	if cfg.Minio.Endpoint != "" {
		bucket := cfg.Minio.Bucket
		if bucket == "" {
			bucket = defaultMinioBucketName
		}
		minioCtx, cancel := context.WithTimeout(ctx, minioConnectTimeout)
		fileStorage, minioErr := storage.NewMinioClient(minioCtx, storage.MinioConfig{
			Endpoint:        cfg.Minio.Endpoint,
			AccessKeyID:     cfg.Minio.User,
			SecretAccessKey: cfg.Minio.Password,
			UseSSL:          cfg.Minio.UseSSL,
			BucketName:      bucket,
		})
		cancel()
		if minioErr != nil {
			return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", minioErr)
		}
		deps.backup = services.NewSnapshotBackup(fileStorage)
		opts.OnCommit = deps.backup.Offer
	}

	// 2. Файл данных
	deps.repo, err = repository.NewCSVNoteRepository(cfg.CSVPath, opts)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("ошибка открытия файла данных: %w", err)
	}

	// 3. Сервисы
	deps.authService, err = services.NewAuthService(services.AuthConfig{
		Password:      cfg.Password,
		APIToken:      cfg.APIToken,
		SessionSecret: cfg.SessionSecret,
		SessionTTL:    cfg.SessionTTL,
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("ошибка настройки аутентификации: %w", err)
	}
	deps.limiter = services.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	noteService := services.NewNoteService(deps.repo)

	// 4. Обработчики
	deps.authHandler = handlers.NewAuthHandler(deps.authService, handlers.CookieOptions{
		Secure: cfg.CookieSecure,
		TTL:    cfg.SessionTTL,
	})
	deps.noteHandler = handlers.NewNoteHandler(noteService)

	return deps, nil
}

// setupRouter настраивает и возвращает роутер chi.
func setupRouter(deps *dependencies, cfg *config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.AllowOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{cfg.AllowOrigin},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           corsMaxAge,
		}))
	}

	rateLimit := appmiddleware.RateLimit(deps.limiter)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health)
		r.With(rateLimit).Post("/login", deps.authHandler.Login)

		// Сессия пользователя
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.RequireSession(deps.authService))
			r.Post("/logout", deps.authHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(rateLimit)
				r.Post("/notes", deps.noteHandler.Create)
				r.Put("/notes/{id}", deps.noteHandler.Update)
				r.Delete("/notes/{id}", deps.noteHandler.Delete)
				r.Post("/import", deps.noteHandler.Import)
			})
		})

		// Сессия или машинный токен
		r.Group(func(r chi.Router) {
			r.Use(appmiddleware.RequireAny(deps.authService))
			r.Get("/notes", deps.noteHandler.List)
			r.Get("/notes.csv", deps.noteHandler.Export)
			r.Get("/notes/{id}", deps.noteHandler.Get)
		})

		// Только машинный токен
		r.With(appmiddleware.RequireBearer(deps.authService)).
			Patch("/notes/{id}/estimate", deps.noteHandler.PatchEstimate)
	})
	return r
}
