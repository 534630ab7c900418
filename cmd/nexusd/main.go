// Package main runs nexusd, the Nexus filesystem daemon: it loads the
// configuration, assembles the storage substrate, and serves metrics until
// signalled to stop.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"

	"github.com/nexi-lab/nexus/agentreg"
	"github.com/nexi-lab/nexus/backend"
	"github.com/nexi-lab/nexus/cas"
	"github.com/nexi-lab/nexus/cmn"
	"github.com/nexi-lab/nexus/mcache"
	"github.com/nexi-lab/nexus/readset"
	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/router"
	"github.com/nexi-lab/nexus/stats"
	"github.com/nexi-lab/nexus/vfs"
)

const (
	tigerReapInterval    = time.Hour
	completedRowMaxAge   = 24 * time.Hour
	staleProcessingAge   = time.Hour
	updaterTickInterval  = 5 * time.Second
	updaterBatchSize     = 100
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a nexus config file")
		metricsAddr = flag.String("metrics-addr", ":9090", "prometheus listen address")
	)
	flag.Parse()

	conf, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	log := setupLogger(conf.Log)

	stop := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		close(stop)
	}()

	if err := run(conf, *metricsAddr, log, stop); err != nil {
		log.WithError(err).Fatal("nexusd")
	}
}

func loadConfig(path string) (*cmn.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	conf := cmn.DefaultConfig()
	if err := v.Unmarshal(conf); err != nil {
		return nil, err
	}
	if dd := v.GetString("data_dir"); dd != "" {
		conf.DataDir = dd
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setupLogger(lc cmn.LogConf) *logrus.Entry {
	lvl, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.WithField("app", "nexusd")
}

func run(conf *cmn.Config, metricsAddr string, log *logrus.Entry, stop <-chan struct{}) error {
	store, err := cas.New(conf.DataDir, conf.CAS, log)
	if err != nil {
		return err
	}
	local, err := backend.NewLocal("local", conf.DataDir, store, log)
	if err != nil {
		return err
	}

	rt := router.New(conf.ReadOnlyNS, log)
	if err := rt.AddMount("/", local, 0, false); err != nil {
		return err
	}

	tupleStore, err := rebac.NewStore(filepath.Join(conf.DataDir, "rebac.db"), log)
	if err != nil {
		return err
	}
	defer tupleStore.Close()
	engine := rebac.NewEngine(tupleStore, conf.Permission, log)

	boltDB, err := bolt.Open(filepath.Join(conf.DataDir, "tiger.db"), 0o600, nil)
	if err != nil {
		return err
	}
	defer boltDB.Close()
	resmap, err := rebac.NewResourceMap(boltDB)
	if err != nil {
		return err
	}
	tiger := rebac.NewTigerCache(boltDB, resmap, conf.Permission.TigerCacheSize, conf.Permission.TigerCacheTTL, log)
	engine.SetTigerCache(tiger)

	revs := cmn.NewZoneRevisions(conf.Zones...)

	updater, err := rebac.NewUpdater(filepath.Join(conf.DataDir, "tigerq.db"), engine, tiger, revs.Current, log)
	if err != nil {
		return err
	}
	defer updater.Close()

	agents, err := agentreg.New(filepath.Join(conf.DataDir, "agents.db"), log)
	if err != nil {
		return err
	}
	defer agents.Close()

	registry := readset.NewRegistry()
	cache := mcache.New(conf.MetadataCache.Size, conf.MetadataCache.TTL, registry, log)
	trk := stats.New()
	ns := rebac.NewNamespaceManager()

	fsys := vfs.New(rt, cache, revs, vfs.Options{
		Namespace: ns,
		Engine:    engine,
		Agents:    agents,
		Tracker:   trk,
	}, log)

	// the health probe walks the full read pipeline, so it needs a view
	probe := cmn.Subject{Type: cmn.SubjectUser, ID: "healthz"}
	if err := ns.Grant(probe, "/"); err != nil {
		return err
	}
	if _, err := tupleStore.WriteTuple(&rebac.Tuple{
		Subject:  rebac.SubjectRef{Type: probe.Type, ID: probe.ID},
		Relation: rebac.RelDirectViewer,
		Object:   rebac.ObjectRef{Type: rebac.ObjectFile, ID: "/"},
	}); err != nil {
		return err
	}

	go agents.RunHeartbeatFlusher(conf.Agent.HeartbeatFlushInterval, stop)
	go runUpdaterLoop(updater, log, stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(trk.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pctx := cmn.NewContext(probe.Type, probe.ID, conf.Zones[0])
		if _, err := fsys.Exists(r.Context(), pctx, "/"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		<-stop
		srv.Close() //nolint:errcheck
	}()
	log.WithField("addr", metricsAddr).Info("nexusd up")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runUpdaterLoop(updater *rebac.Updater, log *logrus.Entry, stop <-chan struct{}) {
	tick := time.NewTicker(updaterTickInterval)
	reap := time.NewTicker(tigerReapInterval)
	defer tick.Stop()
	defer reap.Stop()
	for {
		select {
		case <-tick.C:
			if _, err := updater.ProcessQueue(updaterBatchSize); err != nil {
				log.WithError(err).Warn("tiger queue processing failed")
			}
		case <-reap.C:
			if n, err := updater.CleanupCompleted(completedRowMaxAge); err == nil && n > 0 {
				log.WithField("rows", n).Debug("tiger queue reaped")
			}
			if n, err := updater.ReapStaleProcessing(staleProcessingAge); err == nil && n > 0 {
				log.WithField("rows", n).Info("stale tiger rebuilds requeued")
			}
		case <-stop:
			return
		}
	}
}
