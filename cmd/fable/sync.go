package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emirkrhan/fable/pkg/autosave"
	"github.com/emirkrhan/fable/pkg/backup"
	"github.com/emirkrhan/fable/pkg/board"
	"github.com/emirkrhan/fable/pkg/changes"
	"github.com/emirkrhan/fable/pkg/fingerprint"
	"github.com/emirkrhan/fable/pkg/gateway"
	"github.com/emirkrhan/fable/pkg/remote"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Auto-save a board JSON file to the remote board store",
		Long: `Watch a board document on disk and keep the remote copy in sync.

Every change to the file is backed up locally, then saved after the debounce
period, incrementally when few entities changed. On exit pending changes are
flushed and cache statistics are printed.`,
		RunE: runSync,
	}
	syncCmd.Flags().String("board", "", "Board id (required)")
	syncCmd.Flags().String("file", "", "Board JSON file to watch (required)")
	syncCmd.Flags().Duration("poll", 500*time.Millisecond, "File poll interval")
	syncCmd.Flags().String("remote", "", "Remote board API base URL")
	syncCmd.Flags().Bool("restore", false, "Write a pending local backup to the file before syncing")
	syncCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = syncCmd.MarkFlagRequired("board")
	_ = syncCmd.MarkFlagRequired("file")
	return syncCmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("remote"); v != "" {
		cfg.Remote.BaseURL = v
	}
	boardID, _ := cmd.Flags().GetString("board")
	path, _ := cmd.Flags().GetString("file")
	poll, _ := cmd.Flags().GetDuration("poll")
	restore, _ := cmd.Flags().GetBool("restore")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logger.WithField("board", boardID)

	kv, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	client := remote.New(remote.Options{
		BaseURL:         cfg.Remote.BaseURL,
		Token:           cfg.Remote.Token,
		Timeout:         cfg.Remote.Timeout,
		MaxPayloadBytes: cfg.Remote.MaxPayloadBytes,
		Logger:          logger,
	})
	gw := gateway.New(client, gateway.Options{
		UserTTL:       cfg.Cache.UserTTL,
		BoardTTL:      cfg.Cache.BoardTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Logger:        logger,
	})
	gw.Open()
	defer gw.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(gw.Collector())

	s := &syncer{path: path, logger: log}
	engine, err := autosave.New(client.Board(boardID), autosaveConfig(cfg.Autosave, boardID),
		autosave.WithBackupStore(backup.NewStore(kv)),
		autosave.WithLogger(logger),
		autosave.WithMetrics(autosave.NewMetrics(reg)),
		autosave.WithOnSaved(func(r autosave.SaveResult) {
			gw.InvalidateBoard(boardID)
			log.WithFields(logrus.Fields{
				"mode":     r.Mode,
				"attempts": r.Attempts,
				"patches":  r.Patches,
			}).Info("board saved")
		}),
	)
	if err != nil {
		return err
	}
	s.engine = engine
	engine.OnStatusChange(func(c autosave.StatusChange) {
		entry := log.WithFields(logrus.Fields{"from": c.From, "to": c.To})
		if c.Err != nil {
			entry.WithError(c.Err).Warn("save status changed")
			return
		}
		entry.Debug("save status changed")
	})

	if restore {
		if err := s.restoreBackup(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.baseline(ctx, gw, client, boardID); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			if err := s.poll(); err != nil {
				log.WithError(err).Warn("skipping unreadable board file")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	if metricsAddr != "" {
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s to board %s at %s (Ctrl+C to stop)\n", path, boardID, cfg.Remote.BaseURL)

	waitErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Flush(shutdownCtx); err != nil {
		log.WithError(err).Error("unsaved changes remain in the local backup")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("auto-save engine did not stop cleanly")
	}

	stats := gw.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "cache users:  %s\ncache boards: %s\n", stats.Users, stats.Boards)
	return waitErr
}

// syncer feeds file contents to the auto-save engine.
type syncer struct {
	path   string
	engine *autosave.Engine
	logger logrus.FieldLogger

	last    board.Snapshot
	modTime time.Time
	size    int64
}

// baseline observes the remote content so the first file read is diffed
// against what the remote store holds. A board missing remotely is created
// empty, so change patches always have a document to apply to.
func (s *syncer) baseline(ctx context.Context, gw *gateway.Gateway, client *remote.Client, boardID string) error {
	b, err := gw.GetBoard(ctx, boardID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		s.last = board.Snapshot{Nodes: []board.Node{}, Edges: []board.Edge{}}
		if err := client.SaveContent(ctx, boardID, s.last); err != nil {
			return fmt.Errorf("create remote board: %w", err)
		}
		gw.InvalidateBoard(boardID)
		s.logger.Info("created empty remote board")
	case err != nil:
		return fmt.Errorf("load remote board: %w", err)
	default:
		s.last = b.Snapshot().Clean()
	}
	return s.engine.Observe(s.last)
}

// poll reads the file when its size or modification time changed.
func (s *syncer) poll() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	doc, err := board.Decode(data)
	if err != nil {
		return err
	}
	doc, err = doc.Sanitize()
	if err != nil {
		return err
	}
	s.modTime = info.ModTime()
	s.size = info.Size()

	nodes, edges := diffEvents(s.last, doc)
	tr := s.engine.Tracker()
	tr.Record(changes.TargetNode, nodes)
	tr.Record(changes.TargetEdge, edges)
	s.last = doc
	return s.engine.Observe(doc)
}

// restoreBackup writes a pending backup over the watched file.
func (s *syncer) restoreBackup() error {
	rec, err := s.engine.LoadBackup()
	if errors.Is(err, backup.ErrNoBackup) {
		s.logger.Info("no local backup to restore")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	data, err := json.MarshalIndent(rec.Data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}
	s.logger.WithField("saved_at", rec.Timestamp).Warn("restored unsaved changes from local backup")
	return nil
}

// diffEvents describes the change from prev to cur as editor events. A
// changed entity is removed and re-added so that fields dropped from it are
// dropped remotely too.
func diffEvents(prev, cur board.Snapshot) (nodes, edges []changes.Event) {
	before := make(map[string]fingerprint.Fingerprint, len(prev.Nodes))
	for _, n := range prev.Nodes {
		before[n.ID] = fingerprint.Of(n)
	}
	seen := make(map[string]bool, len(cur.Nodes))
	for _, n := range cur.Nodes {
		seen[n.ID] = true
		fp, ok := before[n.ID]
		switch {
		case !ok:
			nodes = append(nodes, changes.Event{Type: changes.EventAdd, ID: n.ID, Item: n})
		case fp != fingerprint.Of(n):
			nodes = append(nodes,
				changes.Event{Type: changes.EventRemove, ID: n.ID},
				changes.Event{Type: changes.EventAdd, ID: n.ID, Item: n})
		}
	}
	for _, n := range prev.Nodes {
		if !seen[n.ID] {
			nodes = append(nodes, changes.Event{Type: changes.EventRemove, ID: n.ID})
		}
	}

	beforeEdges := make(map[string]fingerprint.Fingerprint, len(prev.Edges))
	for _, e := range prev.Edges {
		beforeEdges[e.ID] = fingerprint.Of(e)
	}
	seenEdges := make(map[string]bool, len(cur.Edges))
	for _, e := range cur.Edges {
		seenEdges[e.ID] = true
		fp, ok := beforeEdges[e.ID]
		switch {
		case !ok:
			edges = append(edges, changes.Event{Type: changes.EventAdd, ID: e.ID, Item: e})
		case fp != fingerprint.Of(e):
			edges = append(edges,
				changes.Event{Type: changes.EventRemove, ID: e.ID},
				changes.Event{Type: changes.EventAdd, ID: e.ID, Item: e})
		}
	}
	for _, e := range prev.Edges {
		if !seenEdges[e.ID] {
			edges = append(edges, changes.Event{Type: changes.EventRemove, ID: e.ID})
		}
	}
	return nodes, edges
}
