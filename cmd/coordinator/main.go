package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LumeWeb/akash-proxysql/pkg/config"
	"github.com/LumeWeb/akash-proxysql/pkg/metrics"
	"github.com/LumeWeb/akash-proxysql/pkg/probe"
	"github.com/LumeWeb/akash-proxysql/pkg/proxyadmin"
	"github.com/LumeWeb/akash-proxysql/pkg/reconciler"
	"github.com/LumeWeb/akash-proxysql/pkg/storeclient"
	"github.com/LumeWeb/akash-proxysql/pkg/topology"
	"k8s.io/klog/v2"
)

var version = "dev"

func main() {
	klog.InfoS("Starting coordinator", "version", version)

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	store, err := storeclient.NewEtcdStore(storeclient.EtcdConfig{
		Endpoints: cfg.EtcdEndpoints,
		Username:  cfg.EtcdUser,
		Password:  cfg.EtcdPassword,
		Namespace: cfg.EtcdNamespace,
	})
	if err != nil {
		klog.Fatalf("Failed to connect to store: %v", err)
	}
	defer store.Close()

	admin, err := proxyadmin.Open(cfg.ProxyAdminAddr, cfg.ProxyAdminUser, cfg.ProxyAdminPassword)
	if err != nil {
		klog.Fatalf("Failed to connect to proxy admin interface: %v", err)
	}
	defer admin.Close()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := admin.Initialize(initCtx, cfg.ReplUsername, cfg.ReplPassword, cfg.WriterHostgroup, cfg.ReaderHostgroup); err != nil {
		cancel()
		klog.Fatalf("Failed to initialize proxy admin: %v", err)
	}
	cancel()

	repo := topology.NewRepository(store)
	prober := probe.NewMySQLProber(cfg.ProbeTimeout)
	rec := metrics.NewRecorder()
	rc := reconciler.New(store, repo, prober, admin, *cfg, rec)

	go serveMetrics(cfg.MetricsAddr, rec)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		stop()
	}()

	if err := rc.Run(ctx); err != nil {
		klog.Fatalf("Reconciler exited: %v", err)
	}

	klog.Info("Coordinator shut down cleanly")
}

func serveMetrics(addr string, rec *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())

	klog.InfoS("Starting metrics server", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		klog.ErrorS(err, "Metrics server error")
	}
}
