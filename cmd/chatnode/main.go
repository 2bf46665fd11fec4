// Command chatnode runs one node of a chatcluster: it accepts line-oriented
// client connections, dispatches commands against the local Room/User
// state, and talks to its peers over the inter-node RPC transport.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tinode/jsonco"
	"github.com/tinode/snowflake"
	"github.com/ulule/limiter/v3"
	limiterMemory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/dispatch"
	"github.com/tinode/chatcluster/internal/fanout"
	"github.com/tinode/chatcluster/internal/metrics"
	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/room"
	"github.com/tinode/chatcluster/internal/router"
	"github.com/tinode/chatcluster/internal/session"
	"github.com/tinode/chatcluster/internal/types"
	"github.com/tinode/chatcluster/internal/user"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to cluster topology config (JSON-with-comments, see cluster.Config)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic(err)
	}

	logger := buildLogger()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := loadClusterConfig(configPath)
	if err != nil {
		sugar.Fatalw("chatnode: loading cluster config", "err", err)
	}
	self := types.NodeID(cfg.ThisName)

	rdb, err := connectRegistryBackend(sugar)
	if err != nil {
		sugar.Fatalw("chatnode: connecting registry backend", "err", err)
	}
	names := registry.New(rdb)

	mtr, reg := metrics.New()

	local := room.NewLocal()
	users := user.NewDirectory(self, names)
	roomMgr := room.NewManager(self, local, names)
	rt := router.New(self, names, local, roomMgr, users)

	cl := cluster.New(cfg, rt, sugar, mtr)
	rt.SetCluster(cl)

	fan := fanout.New(cl, sugar)
	disp := dispatch.New(self, names, local, roomMgr, rt, users, fan, sugar, mtr)

	clusterAddr := envOr("CLUSTER_ADDR", nodeAddr(cfg, cfg.ThisName))
	if clusterAddr != "" {
		if err := cl.Listen(clusterAddr); err != nil {
			sugar.Fatalw("chatnode: cluster listen", "err", err)
		}
	}

	metricsAddr := envOr("METRICS_ADDR", ":9090")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("chatnode: metrics server stopped", "err", err)
		}
	}()

	go reportLiveness(local, users, mtr, 10*time.Second)

	sidNode, err := snowflake.NewNode(nodeSerial(self))
	if err != nil {
		sugar.Fatalw("chatnode: building session id generator", "err", err)
	}

	rate := limiter.Rate{Period: time.Second, Limit: envOrInt64("CONN_RATE_LIMIT", 20)}
	lim := limiter.New(limiterMemory.NewStore(), rate)

	clientAddr := net.JoinHostPort("", envOr("PORT", "4040"))
	ln, err := net.Listen("tcp", clientAddr)
	if err != nil {
		sugar.Fatalw("chatnode: client listen", "err", err)
	}
	ln = netutil.LimitListener(ln, int(envOrInt64("CONN_LIMIT", 10000)))

	stop := signalHandler(sugar)
	go acceptLoop(ln, disp, lim, sidNode, sugar)

	sugar.Infow("chatnode: up", "node", self, "client_addr", clientAddr, "metrics_addr", metricsAddr)
	<-stop

	sugar.Infow("chatnode: shutting down")
	ln.Close()
	cl.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
}

func acceptLoop(ln net.Listener, disp *dispatch.Dispatcher, lim *limiter.Limiter, sidNode *snowflake.Node, logger *zap.SugaredLogger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Infow("chatnode: accept loop stopped", "err", err)
			return
		}
		sess := session.New(conn, sidNode, disp, lim, logger)
		go sess.Run(context.Background())
	}
}

func signalHandler(logger *zap.SugaredLogger) <-chan struct{} {
	stop := make(chan struct{})
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigchan
		logger.Infow("chatnode: signal received", "signal", sig.String())
		close(stop)
	}()
	return stop
}

func reportLiveness(local *room.Local, users *user.Directory, m *metrics.Metrics, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		m.RoomsLive.Set(float64(local.Count()))
		m.UsersLive.Set(float64(users.Count()))
	}
}

// connectRegistryBackend dials REDIS_ADDR if set. Otherwise it starts an
// embedded miniredis instance, so a single node (or a handful run on one
// box for local development) never needs a real Redis install just to
// exercise the Cluster Name Registry.
func connectRegistryBackend(logger *zap.SugaredLogger) (*redis.Client, error) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return redis.NewClient(&redis.Options{Addr: addr}), nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	logger.Infow("chatnode: REDIS_ADDR unset, using embedded miniredis", "addr", mr.Addr())
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
}

func buildLogger() *zap.Logger {
	if envOr("LOG_LEVEL", "info") == "debug" {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}

// loadClusterConfig reads a JSON-with-comments topology file. A missing or
// empty path yields a single-node cluster named by NODE_NAME, useful for
// local development without a config file on disk.
func loadClusterConfig(path string) (cluster.Config, error) {
	if path == "" {
		return cluster.Config{ThisName: envOr("NODE_NAME", "node1")}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cluster.Config{}, err
	}
	defer f.Close()

	var cfg cluster.Config
	dec := json.NewDecoder(jsonco.New(f))
	if err := dec.Decode(&cfg); err != nil {
		return cluster.Config{}, err
	}
	return cfg, nil
}

func nodeAddr(cfg cluster.Config, name string) string {
	for _, n := range cfg.Nodes {
		if n.Name == name {
			return n.Addr
		}
	}
	return ""
}

// nodeSerial derives a small, stable integer from a node's name for use as
// snowflake's node-id bit field — not cryptographic, just a deterministic
// spread across the generator's namespace per node.
func nodeSerial(self types.NodeID) int64 {
	var h int64
	for _, r := range string(self) {
		h = (h*31 + int64(r)) % 1024
	}
	return h
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
