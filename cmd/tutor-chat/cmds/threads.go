package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tutor-chat/pkg/persistence/chatstore"
)

// rowSink is the part of a glazed processor the row builders need.
type rowSink interface {
	AddRow(ctx context.Context, row types.Row) error
}

type ThreadsCommand struct {
	*cmds.CommandDescription
	app *app
}

type ThreadsSettings struct {
	DB    string `glazed:"db"`
	Limit int    `glazed:"limit"`
	Since string `glazed:"since"`
}

const dbHelp = "SQLite file or DSN for stored threads (default store.dsn, then ~/.tutor-chat/transcripts.db)"

func (a *app) NewThreadsCommand() (*ThreadsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"threads",
		cmds.WithShort("List stored threads, most recent first"),
		cmds.WithFlags(
			fields.New("db", fields.TypeString, fields.WithDefault(""), fields.WithHelp(dbHelp)),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(50),
				fields.WithHelp("Maximum number of threads"),
			),
			fields.New(
				"since",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only threads active within this duration, e.g. 24h"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ThreadsCommand{CommandDescription: desc, app: a}, nil
}

func (c *ThreadsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &ThreadsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	var sinceMs int64
	if s.Since != "" {
		since, err := time.ParseDuration(s.Since)
		if err != nil {
			return errors.Wrapf(err, "invalid --since %q", s.Since)
		}
		sinceMs = time.Now().Add(-since).UnixMilli()
	}

	store, err := c.app.openStoreFor(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return addThreadRows(ctx, store, s.Limit, sinceMs, gp)
}

func addThreadRows(ctx context.Context, store chatstore.TranscriptStore, limit int, sinceMs int64, sink rowSink) error {
	threads, err := store.ListThreads(ctx, limit, sinceMs)
	if err != nil {
		return err
	}
	for _, t := range threads {
		row := types.NewRow(
			types.MRP("thread_id", t.ThreadID),
			types.MRP("title", t.Title),
			types.MRP("status", t.Status),
			types.MRP("messages", t.MessageCount),
			types.MRP("version", t.LastSeenVersion),
			types.MRP("created_at", formatMs(t.CreatedAtMs)),
			types.MRP("last_activity", formatMs(t.LastActivityMs)),
			types.MRP("endpoint", t.Endpoint),
			types.MRP("last_error", t.LastError),
		)
		if err := sink.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ThreadsCommand{}

type ExportCommand struct {
	*cmds.CommandDescription
	app *app
}

type ExportSettings struct {
	DB       string `glazed:"db"`
	ThreadID string `glazed:"thread-id"`
}

func (a *app) NewExportCommand() (*ExportCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"export",
		cmds.WithShort("Print the transcript of a stored thread, one row per message"),
		cmds.WithFlags(
			fields.New("db", fields.TypeString, fields.WithDefault(""), fields.WithHelp(dbHelp)),
			fields.New(
				"thread-id",
				fields.TypeString,
				fields.WithRequired(true),
				fields.WithHelp("Thread to export"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ExportCommand{CommandDescription: desc, app: a}, nil
}

func (c *ExportCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &ExportSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := c.app.openStoreFor(s.DB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return addTranscriptRows(ctx, store, s.ThreadID, gp)
}

func addTranscriptRows(ctx context.Context, store chatstore.TranscriptStore, threadID string, sink rowSink) error {
	threadID = strings.TrimSpace(threadID)
	_, ok, err := store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("thread %s not found", threadID)
	}
	msgs, _, err := store.LoadTranscript(ctx, threadID)
	if err != nil {
		return err
	}
	for i, m := range msgs {
		var filename, path string
		if m.Image != nil {
			filename, path = m.Image.Filename, m.Image.RemotePath
		}
		row := types.NewRow(
			types.MRP("seq", i),
			types.MRP("id", m.ID),
			types.MRP("role", string(m.Role)),
			types.MRP("kind", string(m.Kind)),
			types.MRP("text", m.Text),
			types.MRP("image", filename),
			types.MRP("image_path", path),
			types.MRP("created_at", formatTime(m.CreatedAt)),
		)
		if err := sink.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ExportCommand{}

func formatMs(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (a *app) newStoreCommands() []*cobra.Command {
	threadsCmd, err := a.NewThreadsCommand()
	cobra.CheckErr(err)
	exportCmd, err := a.NewExportCommand()
	cobra.CheckErr(err)

	cobraThreadsCmd, err := cli.BuildCobraCommand(threadsCmd)
	cobra.CheckErr(err)
	cobraExportCmd, err := cli.BuildCobraCommand(exportCmd)
	cobra.CheckErr(err)
	return []*cobra.Command{cobraThreadsCmd, cobraExportCmd}
}
