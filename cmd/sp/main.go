package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stillpoint/internal/config"
	"stillpoint/internal/db"
	"stillpoint/internal/domain"
	"stillpoint/internal/engine"
	"stillpoint/internal/events"
	"stillpoint/internal/migrate"
	"stillpoint/internal/repo"
	"stillpoint/internal/server"
	"stillpoint/internal/telemetry"
	"stillpoint/internal/voice"
	"stillpoint/internal/voice/wsprovider"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "Stillpoint CLI",
	Long: `Stillpoint runs voice-guided meditation sessions.
Core concepts:
- Workspace: the .stillpoint directory holding the database, plus an optional stillpoint.yml.
- Templates: ordered phases (breathing, transition, main activity). The voice guide joins in the main activity phase.
- Breathing patterns: short cyclic exercises run by the same timer, without a voice call.
- Sessions: one open record at a time, closed with an optional mood and notes.
- Goals: target counts of completed sessions, recomputed whenever a session ends.
- Event log: diary of what happened, view with 'sp log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", userMessage(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STILLPOINT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	rootCmd.PersistentFlags().String("api-key", "", "default voice provider credential")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(voicesCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(breatheCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List session templates and breathing patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"templates": cfg.Templates, "breathing": cfg.Breathing})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Phases", "Total"})
			for _, t := range cfg.Templates {
				var phases []string
				for _, p := range t.Phases {
					phases = append(phases, fmt.Sprintf("%s %s", p.Name, formatSeconds(p.DurationSeconds)))
				}
				tw.AppendRow(table.Row{t.ID, t.Name, strings.Join(phases, " > "), formatSeconds(t.TotalSeconds())})
			}
			tw.Render()
			bw := newTable()
			bw.AppendHeader(table.Row{"Pattern", "Name", "In", "Hold", "Out", "Hold Empty", "Cycles"})
			for _, b := range cfg.Breathing {
				bw.AppendRow(table.Row{b.ID, b.Name, b.Inhale, b.Hold, b.Exhale, b.HoldEmpty, b.Cycles})
			}
			bw.Render()
			return nil
		},
	}
}

func voicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List guide voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"voices": cfg.Voices, "default": cfg.DefaultVoice})
			}
			for _, v := range cfg.Voices {
				marker := " "
				if strings.EqualFold(v, cfg.DefaultVoice) {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, v)
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Run and inspect meditation sessions",
		Long:  "A session walks through the phases of a template. The voice guide connects when the main activity phase begins and hangs up when the session ends.",
	}
	s.AddCommand(sessionRunCmd())
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionEndCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionCurrentCmd())
	return s
}

func sessionRunCmd() *cobra.Command {
	var opts engine.SessionStartOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session in the foreground until it completes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.StartSession(ctx, opts)
				if err != nil {
					return err
				}
				id := st.Session.ID
				fmt.Printf("Session %s started (%s, voice %s). Ctrl-C ends it early.\n", id, st.Template, st.Session.VoiceIdentity)
				_, runErr := runForeground(ctx, e, func(s engine.State) bool { return s.Session == nil })
				if runErr != nil {
					rec, err := e.EndSession(context.Background(), engine.SessionEndOptions{})
					if err != nil {
						return err
					}
					fmt.Println("Session ended early.")
					return printRecord(rec)
				}
				for _, rec := range e.Sessions(ctx) {
					if rec.ID == id {
						fmt.Println("Session complete. Add a reflection with 'sp journal add'.")
						return printRecord(rec)
					}
				}
				return nil
			})
		},
	}
	addStartFlags(cmd, &opts)
	return cmd
}

func sessionStartCmd() *cobra.Command {
	var opts engine.SessionStartOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a session record without running the timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.StartSession(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(*st.Session)
			})
		},
	}
	addStartFlags(cmd, &opts)
	return cmd
}

func addStartFlags(cmd *cobra.Command, opts *engine.SessionStartOptions) {
	cmd.Flags().StringVar(&opts.Template, "template", "standard", "session template id")
	cmd.Flags().StringVar(&opts.Voice, "voice", "", "guide voice (defaults to config default_voice)")
	cmd.Flags().IntVar(&opts.MoodBefore, "mood", 0, "mood before the session (1-10)")
	_ = cmd.MarkFlagRequired("mood")
}

func sessionEndCmd() *cobra.Command {
	var moodAfter int
	var notes string
	cmd := &cobra.Command{
		Use:   "end",
		Short: "Close the open session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.SessionEndOptions
			if cmd.Flags().Changed("mood") {
				opts.MoodAfter = &moodAfter
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.EndSession(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	cmd.Flags().IntVar(&moodAfter, "mood", 0, "mood after the session (1-10)")
	cmd.Flags().StringVar(&notes, "notes", "", "session notes")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items := e.Sessions(ctx)
				if limit > 0 && len(items) > limit {
					items = items[:limit]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Template", "Started", "Duration", "Voice", "Mood Before", "Mood After"})
				for _, r := range items {
					duration := "open"
					if r.Completed() {
						duration = formatSeconds(r.DurationSeconds)
					}
					tw.AppendRow(table.Row{r.ID, r.Template, r.StartTime.Local().Format("2006-01-02 15:04"), duration, r.VoiceIdentity, formatMood(&r.MoodBefore), formatMood(r.MoodAfter)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records (0 for all)")
	return cmd
}

func sessionCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the open session, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, ok := e.Current(ctx)
				if !ok {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no open session")
					return nil
				}
				return printRecord(rec)
			})
		},
	}
}

func breatheCmd() *cobra.Command {
	var pattern string
	var cycles int
	cmd := &cobra.Command{
		Use:   "breathe",
		Short: "Run a breathing exercise in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.StartBreathing(ctx, pattern, cycles)
				if err != nil {
					return err
				}
				if st.Timer.Cycles > 0 {
					fmt.Printf("Breathing %s for %d cycles. Ctrl-C stops.\n", pattern, st.Timer.Cycles)
				} else {
					fmt.Printf("Breathing %s. Ctrl-C stops.\n", pattern)
				}
				final, err := runForeground(ctx, e, func(s engine.State) bool { return s.Mode == engine.ModeIdle })
				if err != nil {
					e.StopBreathing(context.Background())
				}
				fmt.Printf("Done after %d cycles.\n", final.Timer.Cycle)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "478", "breathing pattern id")
	cmd.Flags().IntVar(&cycles, "cycles", 0, "number of cycles (0 uses the pattern default)")
	return cmd
}

func goalCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "goal",
		Short: "Manage meditation goals",
	}
	g.AddCommand(goalCreateCmd())
	g.AddCommand(goalListCmd())
	return g
}

func goalCreateCmd() *cobra.Command {
	var opts engine.GoalCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.CreateGoal(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("goal %s created\n", g.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "goal title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "goal description")
	cmd.Flags().IntVar(&opts.TargetSessions, "target", 0, "completed sessions needed")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func goalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List goals with progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				goals := e.Goals(ctx)
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Progress", "Completed"})
				for _, g := range goals {
					done := ""
					if g.CompletedAt != nil {
						done = g.CompletedAt.Local().Format("2006-01-02")
					}
					tw.AppendRow(table.Row{g.ID, g.Title, fmt.Sprintf("%d/%d", g.CompletedSessions, g.TargetSessions), done})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func journalCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journal",
		Short: "Keep reflection notes",
	}
	j.AddCommand(journalAddCmd())
	j.AddCommand(journalListCmd())
	j.AddCommand(journalDeleteCmd())
	return j
}

func journalAddCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Add a journal entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var link *string
			if cmd.Flags().Changed("session") {
				link = &sessionID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entry, err := e.AddJournal(ctx, strings.Join(args, " "), link)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				fmt.Printf("journal entry %s added\n", entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "link to a session id (defaults to the open session)")
	return cmd
}

func journalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List journal entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries := e.Journal(ctx)
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Session", "Content"})
				for _, en := range entries {
					session := ""
					if en.SessionID != nil {
						session = *en.SessionID
					}
					tw.AppendRow(table.Row{en.ID, en.Timestamp.Local().Format("2006-01-02 15:04"), session, en.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func journalDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteJournal(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("journal entry %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show practice statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s := e.Stats(ctx)
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Sessions", s.TotalSessions},
					{"Minutes", s.TotalMinutes},
					{"Average length (min)", fmt.Sprintf("%.1f", s.AverageSessionLength)},
					{"Current streak (days)", s.CurrentStreak},
					{"Longest streak (days)", s.LongestStreak},
					{"Goals completed", s.CompletedGoals},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func prefsCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "prefs",
		Short: "Volume and credential preferences",
	}
	p.AddCommand(prefsVolumeCmd())
	p.AddCommand(prefsCredentialCmd())
	return p
}

func prefsVolumeCmd() *cobra.Command {
	var mute, unmute bool
	cmd := &cobra.Command{
		Use:   "volume <channel> [level]",
		Short: "Show or set a volume channel (0-100)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.VolumeUpdate
			if len(args) == 2 {
				var level int
				if _, err := fmt.Sscanf(args[1], "%d", &level); err != nil {
					return fmt.Errorf("invalid level %q", args[1])
				}
				upd.Level = &level
			}
			switch {
			case mute && unmute:
				return errors.New("--mute and --unmute are exclusive")
			case mute:
				upd.Muted = &mute
			case unmute:
				muted := false
				upd.Muted = &muted
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				v, err := e.UpdateVolume(ctx, args[0], upd)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"channel": args[0], "volume": v.Volume, "muted": v.Muted, "effective": v.Effective()})
				}
				fmt.Printf("%s: %d (effective %d)\n", args[0], v.Volume, v.Effective())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mute, "mute", false, "mute the channel")
	cmd.Flags().BoolVar(&unmute, "unmute", false, "unmute the channel")
	return cmd
}

func prefsCredentialCmd() *cobra.Command {
	var set string
	var use bool
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Show or change the custom voice provider credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.CredentialUpdate
			if cmd.Flags().Changed("set") {
				upd.Credential = &set
			}
			if cmd.Flags().Changed("use") {
				upd.UseCustom = &use
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.UpdateCredential(ctx, upd)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Use custom", st.UseCustom},
					{"Stored", st.Stored},
					{"Looks valid", st.LooksValid},
					{"Credential available", st.Resolved},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "store a custom credential (empty clears it)")
	cmd.Flags().BoolVar(&use, "use", false, "use the stored custom credential")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: sessions, phases, connection changes, goals and journal entries.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evs, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, ev := range evs {
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += ":" + ev.EntityID
					}
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, entity, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "stillpoint.yml holds templates, breathing patterns, voices, the assistant setup and the provider endpoint. Without it the built-in defaults apply.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stillpoint.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default stillpoint.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			e, err := buildEngine(cmd.Context(), workspace, r, logger)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			go func() {
				if err := e.Run(cmd.Context(), ticker.C); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("engine stopped", "error", err)
				}
			}()

			if server.StartWebhookDispatcher(cmd.Context(), server.WebhookOptions{Events: r, Hooks: e.Config().Webhooks, Logger: logger}) {
				logger.Info("webhook delivery enabled", "hooks", len(e.Config().Webhooks))
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Events:   r,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), APIKey: viper.GetString("server-key")},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stillpoint API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "require HS256 bearer tokens signed with this secret")
	cmd.Flags().String("server-key", "", "require this value in the X-Api-Key header")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("server-key", cmd.Flags().Lookup("server-key"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		e, err := buildEngine(ctx, viper.GetString("workspace"), r, cliLogger())
		if err != nil {
			return err
		}
		defer e.Close(context.Background())
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func buildEngine(ctx context.Context, workspace string, r repo.Repo, logger *slog.Logger) (*engine.Engine, error) {
	cfg, err := loadConfig(workspace)
	if err != nil {
		return nil, err
	}
	var provider voice.Provider = &voice.Loopback{}
	if cfg.Provider.Kind == config.ProviderWebsocket {
		provider = wsprovider.New(cfg.Provider.Endpoint)
	}
	rec, err := telemetry.New(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	credential := viper.GetString("api-key")
	if credential == "" {
		credential = cfg.Provider.Credential
	}
	return engine.New(engine.Options{
		Config:            cfg,
		KV:                r,
		Provider:          provider,
		Events:            events.Writer{DB: r.DB},
		Telemetry:         rec,
		Logger:            logger,
		DefaultCredential: credential,
	})
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runForeground drives the engine with a one second ticker and prints phase
// and connection changes until done reports true or ctx is cancelled.
func runForeground(ctx context.Context, e *engine.Engine, done func(engine.State) bool) (engine.State, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go e.Run(runCtx, ticker.C)

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	var lastPhase string
	var lastConn voice.State
	seen := 0
	for {
		st := e.State(context.Background())
		if done(st) {
			return st, nil
		}
		if key := fmt.Sprintf("%d/%d", st.Timer.Cycle, st.Timer.Index); st.Timer.Running && key != lastPhase {
			lastPhase = key
			fmt.Printf("> %s (%s)\n", st.Timer.PhaseName, formatSeconds(st.Timer.PhaseDuration))
		}
		if c := st.Connection; c.State != lastConn {
			if lastConn != "" || c.State != voice.StateDisconnected {
				fmt.Printf("  guide %s", c.State)
				if c.ErrorMessage != "" {
					fmt.Printf(": %s", c.ErrorMessage)
				}
				fmt.Println()
			}
			lastConn = c.State
		}
		if len(st.Connection.Transcripts) < seen {
			seen = 0
		}
		for _, tr := range st.Connection.Transcripts[seen:] {
			fmt.Printf("  %s: %s\n", tr.Role, tr.Text)
		}
		seen = len(st.Connection.Transcripts)

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-poll.C:
		}
	}
}

func printRecord(rec domain.SessionRecord) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"ID", rec.ID})
	tw.AppendRow(table.Row{"Template", rec.Template})
	tw.AppendRow(table.Row{"Voice", rec.VoiceIdentity})
	tw.AppendRow(table.Row{"Started", rec.StartTime.Local().Format(time.RFC1123)})
	if rec.EndTime != nil {
		tw.AppendRow(table.Row{"Ended", rec.EndTime.Local().Format(time.RFC1123)})
		tw.AppendRow(table.Row{"Duration", formatSeconds(rec.DurationSeconds)})
	}
	tw.AppendRow(table.Row{"Mood before", formatMood(&rec.MoodBefore)})
	if rec.MoodAfter != nil {
		tw.AppendRow(table.Row{"Mood after", formatMood(rec.MoodAfter)})
	}
	if rec.Notes != nil {
		tw.AppendRow(table.Row{"Notes", *rec.Notes})
	}
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSeconds(s int) string {
	return (time.Duration(s) * time.Second).String()
}

func formatMood(m *domain.MoodLevel) string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%d %s", m.Value, m.Label)
}

func userMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.UserMessage()
	}
	return err.Error()
}
