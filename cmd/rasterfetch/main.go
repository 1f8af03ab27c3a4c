package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/HugoSmits86/nativewebp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rasterfetch/internal/rasterfetch"
)

func main() {
	var (
		configPath string
		tileset    string
		retina     bool
		override   bool
		outDir     string
	)
	flag.StringVar(&configPath, "config", getenvDefault("RASTERFETCH_CONFIG", "rasterfetch.yaml"), "path to rasterfetch.yaml")
	flag.StringVar(&tileset, "tileset", "mapbox://styles/mapbox/satellite-v9", "tileset id")
	flag.BoolVar(&retina, "retina", false, "request @2x tiles")
	flag.BoolVar(&override, "override", false, "resolve through the override source and pin results")
	flag.StringVar(&outDir, "out", "", "write received tiles as webp into this directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] z/x/y...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ids, err := parseTileIDs(flag.Args())
	if err != nil {
		log.Fatalf("tiles: %v", err)
	}
	if len(ids) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := rasterfetch.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := rasterfetch.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	svc, err := rasterfetch.NewService(cfg, logger)
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	failed := 0
	svc.Events().OnReceived(func(owner rasterfetch.TileOwner, tile *rasterfetch.RasterTile) {
		logger.Info("tile received",
			zap.Stringer("tile", tile.ID),
			zap.Stringer("variant", tile.Variant),
			zap.Stringer("origin", tile.Origin),
			zap.Int("bytes", len(tile.Data)),
		)
		if outDir == "" || tile.Image == nil {
			return
		}
		if err := writeWebP(outDir, tile); err != nil {
			logger.Warn("write tile", zap.Stringer("tile", tile.ID), zap.Error(err))
		}
	})
	svc.Events().OnError(func(owner rasterfetch.TileOwner, tile *rasterfetch.RasterTile, ev rasterfetch.TileErrorEvent) {
		failed++
		logger.Error("tile failed",
			zap.Stringer("tile", ev.ID),
			zap.Stringer("variant", ev.Variant),
			zap.Error(ev.Err()),
		)
	})

	var resolver rasterfetch.Resolver = svc.Fetcher()
	if override {
		resolver = svc.Override()
	}
	for _, id := range ids {
		resolver.Resolve(rasterfetch.TileRequest{
			TilesetID: tileset,
			ID:        id,
			Retina:    retina,
			Owner:     rasterfetch.NewSlot(id),
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.Drain(ctx); err != nil {
		logger.Warn("interrupted", zap.Error(err))
	}
	if failed > 0 {
		svc.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func parseTileIDs(args []string) ([]rasterfetch.TileID, error) {
	out := make([]rasterfetch.TileID, 0, len(args))
	for _, a := range args {
		parts := strings.Split(a, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%q: want z/x/y", a)
		}
		var n [3]int
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("%q: bad coordinate %q", a, p)
			}
			n[i] = v
		}
		out = append(out, rasterfetch.TileID{Z: n[0], X: n[1], Y: n[2]})
	}
	return out, nil
}

func writeWebP(dir string, tile *rasterfetch.RasterTile) error {
	name := fmt.Sprintf("%d-%d-%d", tile.ID.Z, tile.ID.X, tile.ID.Y)
	if tile.Variant.Retina() {
		name += "@2x"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, name+".webp"))
	if err != nil {
		return err
	}
	if err := nativewebp.Encode(f, tile.Image, nil); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
