package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rag-backend/internal/api"
	"rag-backend/internal/app"
	"rag-backend/internal/config"
	"rag-backend/internal/db"
	"rag-backend/internal/helper"
	"rag-backend/internal/rag"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	filePath := flag.String("file", "", "Path to a document to ingest")
	query := flag.String("query", "", "Question to be answered")
	docs := flag.String("docs", "", "Comma separated document ids to restrict -query to")
	topK := flag.Int("k", 0, "Number of chunks to retrieve (default from config)")
	showChunks := flag.Bool("chunks", false, "Print the retrieved chunks with the answer")
	list := flag.Bool("list", false, "List stored documents")
	deleteID := flag.String("delete", "", "Delete the document with this id")
	serve := flag.Bool("serve", false, "Start the HTTP API")
	initDB := flag.Bool("init-db", false, "Create the postgres schema and exit")
	resetDB := flag.Bool("reset-db", false, "Drop and recreate the postgres schema and exit")
	exportPath := flag.String("export", "", "Export the chromem store to this file")
	importPath := flag.String("import", "", "Import the chromem store from this file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	setLogLevel(cfg.Log.Level)
	log.Debug().Str("store", cfg.Store.Type).Str("embed_model", cfg.EmbedLLM.Model).Msg("Loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *initDB || *resetDB {
		if err := initDatabase(ctx, cfg, *resetDB); err != nil {
			log.Fatal().Err(err).Msg("Error initializing database")
		}
		return
	}

	deps, err := app.NewDependencies(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing dependencies")
	}
	defer deps.Close()

	switch {
	case *importPath != "":
		err = importStore(deps, *importPath)
	case *exportPath != "":
		err = exportStore(deps, *exportPath)
	case *filePath != "":
		err = ingestFile(ctx, deps.Service, *filePath)
	case *deleteID != "":
		err = deps.Service.DeleteDocument(ctx, *deleteID)
	case *list:
		err = listDocuments(ctx, deps.Service)
	case *query != "":
		q := rag.Question{Text: *query, TopK: *topK, IncludeChunks: *showChunks}
		if flagSet("docs") {
			q.DocumentIDs = splitIDs(*docs)
		}
		err = answer(ctx, deps.Service, q)
	case *serve:
		err = runServer(ctx, deps, cfg.Server)
	default:
		flag.Usage()
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		deps.Close()
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// splitIDs keeps an explicitly empty -docs as an empty, non-nil selection.
func splitIDs(s string) []string {
	ids := []string{}
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func initDatabase(ctx context.Context, cfg *config.Config, reset bool) error {
	if cfg.Store.Type != config.StorePostgres {
		return fmt.Errorf("-init-db needs store.type %q, got %q", config.StorePostgres, cfg.Store.Type)
	}
	s, err := db.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()
	return db.InitDB(ctx, s.DB(), cfg.EmbedLLM.Dimension, reset)
}

func ingestFile(ctx context.Context, svc *rag.Service, path string) error {
	resp, err := svc.IngestFile(ctx, path)
	if err != nil {
		return err
	}
	helper.PrettyPrint(os.Stdout, resp)
	return nil
}

func listDocuments(ctx context.Context, svc *rag.Service) error {
	docs, err := svc.ListDocuments(ctx)
	if err != nil {
		return err
	}
	helper.PrettyPrint(os.Stdout, docs)
	return nil
}

func answer(ctx context.Context, svc *rag.Service, q rag.Question) error {
	response, err := svc.Query(ctx, q)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", q.Text)

	log.Info().Msg("Sources: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", strings.Join(response.Citations, ", "))

	if q.IncludeChunks {
		log.Info().Msg("Chunks: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for _, c := range response.Chunks {
			fmt.Printf("[%s #%d score=%.4f]\n%s\n\n", c.SourceFilename, c.Chunk.Ordinal, c.Score, c.Chunk.Content)
		}
	}

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Content)
	return nil
}

func exportStore(deps *app.Dependencies, path string) error {
	if deps.Chromem == nil {
		return errors.New("-export needs the chromem store")
	}
	if err := deps.Chromem.Export(path); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Exported vector store")
	return nil
}

func importStore(deps *app.Dependencies, path string) error {
	if deps.Chromem == nil {
		return errors.New("-import needs the chromem store")
	}
	if err := deps.Chromem.Import(path); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Imported vector store")
	return nil
}

func runServer(ctx context.Context, deps *app.Dependencies, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(deps.Service, cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
