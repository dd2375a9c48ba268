package main

import (
	"fmt"
	"log/slog"
	"os"
)

// Переменные для версии и даты сборки, устанавливаются через ldflags.
//
//nolint:gochecknoglobals // Устанавливается через ldflags при сборке
var (
	version    = "dev"
	buildDate  = "unknown"
	commitHash = "N/A"
)

func main() {
	// Логи клиента только в stderr и только предупреждения: stdout занят выводом команд.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
