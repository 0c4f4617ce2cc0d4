package main

import (
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/kwontaeheon/snapdock/server"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	snapServer, err := server.NewServer(logger)
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	defer snapServer.Stop()

	http.HandleFunc("GET /heartbeat", snapServer.DaemonInfoHandler)
	http.HandleFunc("GET /containers", snapServer.ListContainersHandler)
	http.HandleFunc("GET /snapshots", snapServer.ListSnapshotsHandler)
	http.HandleFunc("POST /snapshots/{container}", snapServer.SnapshotHandler)
	http.HandleFunc("POST /restore/{id}", snapServer.RestoreHandler)
	http.HandleFunc("POST /run/{id}", snapServer.RunHandler)
	http.HandleFunc("POST /prune", snapServer.PruneHandler)
	http.HandleFunc("DELETE /snapshots", snapServer.DeleteAllSnapshotsHandler)
	http.HandleFunc("DELETE /snapshots/{id}", snapServer.DeleteSnapshotHandler)

	addr := os.Getenv("SNAPDOCKD_ADDR")
	if addr == "" {
		addr = "127.0.0.1:5787"
	}

	logger.Info("Snapdockd started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}
