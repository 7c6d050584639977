package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/server"
)

var (
	dataDir           = flag.String("data_dir", "/var/lib/cidx-server", "Root directory for golden and activated repositories and the job DB.")
	jobDBURL          = flag.String("job_db_url", "", "PostgreSQL URL for job persistence. Empty uses a JSON document under --data_dir.")
	numWorkers        = flag.Int("num_workers", 0, "Background job workers. Zero uses the engine default.")
	embeddingProvider = flag.String("embedding_provider", "ollama", "Embedding provider passed to cidx init.")
	committerName     = flag.String("committer_name", "CIDX Server", "Committer identity on API commits.")
	committerEmail    = flag.String("committer_email", "cidx-server@localhost", "Committer email on API commits.")
	promPort          = flag.String("prom_port", ":20000", "Address for the Prometheus metrics endpoint.")
)

func main() {
	flag.Parse()

	ctx := context.Background()
	srv, err := server.New(ctx, server.Config{
		DataDir:           *dataDir,
		JobDBURL:          *jobDBURL,
		NumWorkers:        *numWorkers,
		EmbeddingProvider: *embeddingProvider,
		CommitterName:     *committerName,
		CommitterEmail:    *committerEmail,
	})
	if err != nil {
		sklog.Fatal(err)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		sklog.Infof("Serving metrics on %s.", *promPort)
		if err := http.ListenAndServe(*promPort, nil); err != nil {
			sklog.Errorf("Metrics server exited: %s", err)
		}
	}()

	sklog.Infof("Index server started; data dir %s.", *dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	sklog.Infof("Received %s; shutting down.", sig)
	srv.Shutdown()
}
