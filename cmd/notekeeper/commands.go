package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/maynagashev/notekeeper/internal/api"
	"github.com/maynagashev/notekeeper/internal/services"
	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

const (
	envServerURL     = "NOTEKEEPER_URL"
	envToken         = "NOTEKEEPER_TOKEN" //nolint:gosec // Имя переменной окружения
	defaultServerURL = "http://localhost:8080"

	formatText = "text"
	formatJSON = "json"
)

var errUnknownFormat = errors.New("неизвестный формат вывода, ожидается text или json")

// options - общие флаги команд.
type options struct {
	serverURL string
	token     string
	format    string

	// newClient подменяется в тестах.
	newClient func(baseURL string) api.Client
}

func (o *options) client() (api.Client, error) {
	if o.format != formatText && o.format != formatJSON {
		return nil, errUnknownFormat
	}
	c := o.newClient(o.serverURL)
	c.SetAuthToken(o.token)
	return c, nil
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(api.NewHTTPClient)
}

func newRootCmdWith(newClient func(string) api.Client) *cobra.Command {
	opts := &options{newClient: newClient}

	root := &cobra.Command{
		Use:           "notekeeper",
		Short:         "Клиент NoteKeeper для автоматизации по машинному токену",
		Version:       fmt.Sprintf("%s (build %s, commit %s)", version, buildDate, commitHash),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server-url", envOr(envServerURL, defaultServerURL),
		"URL сервера (env: "+envServerURL+")")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken),
		"Машинный токен API_TOKEN (env: "+envToken+")")
	root.PersistentFlags().StringVar(&opts.format, "format", formatText, "Формат вывода: text или json")

	root.AddCommand(
		listCmd(opts),
		getCmd(opts),
		exportCmd(opts),
		estimateCmd(opts),
		genTokenCmd(),
	)
	return root
}

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Показать все банкноты",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			notes, err := c.ListNotes(cmd.Context())
			if err != nil {
				return err
			}
			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), notes)
			}
			return writeTable(cmd.OutOrStdout(), notes)
		},
	}
}

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Показать одну банкноту",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			note, err := c.GetNote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), note)
			}
			return writeTable(cmd.OutOrStdout(), []models.Note{*note})
		},
	}
}

func exportCmd(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Скачать коллекцию в CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = c.ExportCSV(cmd.Context(), cmd.OutOrStdout())
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("ошибка создания файла %s: %w", output, err)
			}
			n, err := c.ExportCSV(cmd.Context(), f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Сохранено %d байт в %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Файл для сохранения (по умолчанию stdout)")
	return cmd
}

func estimateCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "estimate <id> <value>",
		Short: "Обновить оценку банкноты",
		Args:  cobra.ExactArgs(2), //nolint:mnd // id и значение
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := models.ParseAmount(args[1])
			if err != nil {
				return fmt.Errorf("некорректная оценка: %w", err)
			}
			var stamp *time.Time
			if at != "" {
				t, parseErr := models.ParseTime(at)
				if parseErr != nil {
					return fmt.Errorf("некорректная дата оценки: %w", parseErr)
				}
				stamp = &t
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			note, err := c.PatchEstimate(cmd.Context(), args[0], value, stamp)
			if err != nil {
				return err
			}
			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), note)
			}
			return writeTable(cmd.OutOrStdout(), []models.Note{*note})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Дата оценки в RFC 3339 (по умолчанию время сервера)")
	return cmd
}

func genTokenCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "gen-token",
		Short: "Сгенерировать случайное значение для API_TOKEN или SESSION_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size < services.MinSecretLength {
				return fmt.Errorf("размер должен быть не меньше %d байт", services.MinSecretLength)
			}
			secret, err := services.GenerateSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", services.MinSecretLength, "Число случайных байт")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// writeTable выводит банкноты таблицей.
func writeTable(w io.Writer, notes []models.Note) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "COUNTRY", "PICK", "GRADE", "EPQ", "PRICE", "ESTIMATE", "ESTIMATED AT").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, n := range notes {
		t.Row(
			n.ID,
			n.Country,
			n.Pick,
			n.Grade,
			strconv.FormatBool(n.EPQ),
			n.PurchasePrice.String(),
			formatEstimate(n.EstValue),
			formatStamp(n.EstUpdatedAt),
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func formatEstimate(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String()
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
