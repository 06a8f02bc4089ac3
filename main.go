package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/node"
	"github.com/mqy/minichat/ws"
)

const (
	envPrefix = "MINICHAT_"

	storeMySQL = "mysql"
	storeBolt  = "bolt"
	storeRedis = "redis"

	journalDirect = "direct"
	journalKafka  = "kafka"
)

var (
	flagEnvFile = flag.String("env-file", "", "optional .env file, loaded before MINICHAT_* environment overrides")

	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagStore    = flag.String("store", storeBolt, "message store: mysql, bolt or redis")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath = flag.String("bolt-path", "minichat.db", "bolt database file")
	flagRedisURL = flag.String("redis-url", "redis://127.0.0.1:6379/0", "redis url")

	flagJournal      = flag.String("journal", journalDirect, "how routed messages reach the store: direct or kafka")
	flagJournalQueue = flag.Int("journal-queue", 4096, "journal queue size")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-messages", "kafka topic of routed messages")
	flagKafkaGroupID = flag.String("kafka-group-id", "minichat", "kafka consumer group of the store ingester")

	flagSendQueue      = flag.Int("send-queue", 256, "per session outbound queue size")
	flagMaxMsgBytes    = flag.Int("max-msg-bytes", 4096, "max inbound websocket frame size in bytes")
	flagAllowedOrigins = flag.String("allowed-origins", "", "comma separated websocket origins; empty allows any")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagProfileKinds   = flag.String("profile-kinds", "", "comma separated profile kinds started by SIGUSR2; empty means all")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if *flagEnvFile != "" {
		if err := godotenv.Load(*flagEnvFile); err != nil {
			return errorf("--env-file: %v", err)
		}
	}
	if err := applyEnv(flag.CommandLine, os.LookupEnv); err != nil {
		return errorf("%v", err)
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("minichat server is starting")

	store, err := openStore(context.Background())
	if err != nil {
		return errorf("open %s store: %v", *flagStore, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			glog.Errorf("close store: %v", err)
		}
	}()

	kafkaConf := &chatstore.KafkaConf{
		Brokers:  splitList(*flagKafkaBrokers),
		Topic:    *flagKafkaTopic,
		GroupID:  *flagKafkaGroupID,
		MaxBytes: *flagMaxMsgBytes * 2,
	}

	// journal writer, then ingester: the order node stops them in.
	var workers []node.Runner
	var sink chatstore.Sink
	var closeSink func()
	switch *flagJournal {
	case journalKafka:
		kw := chatstore.NewKafkaWriter(kafkaConf)
		sink = chatstore.KafkaSink{Writer: kw, MaxBytes: kafkaConf.MaxBytes}
		closeSink = func() { _ = kw.Close() }
	default:
		sink = chatstore.StoreSink{Store: store}
	}
	journal := chatstore.NewWriter(*flagJournal, sink, *flagJournalQueue)
	workers = append(workers, journal)
	if *flagJournal == journalKafka {
		workers = append(workers, chatstore.NewIngester(store, chatstore.NewKafkaReader(kafkaConf), kafkaConf.MaxBytes))
	}

	authClient := newAuthClient()
	hub := ws.NewHub(authClient, journal, &ws.Conf{
		SendQueue:       *flagSendQueue,
		MaxMsgSize:      int64(*flagMaxMsgBytes),
		MaxContentBytes: *flagMaxMsgBytes / 2,
		AllowedOrigins:  splitList(*flagAllowedOrigins),
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.Handle("/api/", api.NewRouter(authClient, store, hub.Router(), hub))

	n := node.NewNode(&node.Conf{
		Addr:    *flagAddr,
		Mux:     mux,
		Hub:     hub,
		Workers: workers,
	})
	if err := n.Listen(); err != nil {
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.Run(ctx, stopNotifyChan)

	glog.Infof("minichat server is running, store: %s, journal: %s", *flagStore, *flagJournal)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir, splitList(*flagProfileKinds))
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-stopNotifyChan
				close(stopNotifyChan)
				if closeSink != nil {
					closeSink()
				}
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func openStore(ctx context.Context) (chatstore.Store, error) {
	switch *flagStore {
	case storeMySQL:
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		s := chatstore.NewMySQLStore(db)
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	case storeRedis:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return chatstore.NewRedisStore(ctx, *flagRedisURL)
	default:
		return chatstore.OpenBoltStore(*flagBoltPath)
	}
}

// applyEnv sets every flag not given on the command line from its
// MINICHAT_* environment variable, e.g. --kafka-brokers from
// MINICHAT_KAFKA_BROKERS.
func applyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		name := envName(f.Name)
		if v, ok := lookup(name); ok {
			if e := fs.Set(f.Name, v); e != nil {
				err = fmt.Errorf("%s: %v", name, e)
			}
		}
	})
	return err
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if err := validateProfileKinds(splitList(*flagProfileKinds)); err != nil {
		return errorf("--profile-kinds: %v", err)
	}

	switch *flagStore {
	case storeMySQL:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required.")
		}
	case storeRedis:
		if *flagRedisURL == "" {
			return errorf("--redis-url is required.")
		}
	default:
		return errorf("invalid --store %q, expect mysql, bolt or redis", *flagStore)
	}

	switch *flagJournal {
	case journalDirect:
	case journalKafka:
		if len(splitList(*flagKafkaBrokers)) == 0 {
			return errorf("--kafka-brokers is required.")
		}
		if *flagKafkaTopic == "" || *flagKafkaGroupID == "" {
			return errorf("--kafka-topic and --kafka-group-id are required.")
		}
	default:
		return errorf("invalid --journal %q, expect direct or kafka", *flagJournal)
	}
	if *flagJournalQueue <= 0 {
		return errorf("--journal-queue is required positive integer")
	}

	if *flagSendQueue < ws.MinSendQueue || *flagSendQueue > ws.MaxSendQueue {
		return errorf("invalid --send-queue, expect in range [%d, %d]", ws.MinSendQueue, ws.MaxSendQueue)
	}
	if *flagMaxMsgBytes < ws.MinMsgSize || *flagMaxMsgBytes > ws.MaxMsgSize {
		return errorf("invalid --max-msg-bytes, expect in range [%d, %d]", ws.MinMsgSize, ws.MaxMsgSize)
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback, private or unspecified address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
