package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/raftkit/raftkit/benchmarks"
	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/kvstore"
	"github.com/raftkit/raftkit/kvstore/client"
	_ "github.com/raftkit/raftkit/persistent"
	"github.com/raftkit/raftkit/raft"
	"github.com/raftkit/raftkit/rpc"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type serverEntry struct {
	RaftAddress string
	KVAddress   string
}

type config struct {
	GroupId          string
	Cluster          []serverEntry
	ElectionTimeout  int // In milliseconds
	SnapshotInterval int // In seconds, 0 disables snapshots
}

func loadConfig(path string) (*config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}
	if cfg.GroupId == "" {
		cfg.GroupId = "default"
	}
	return &cfg, nil
}

func (cfg *config) peers() []raft.PeerId {
	var peers []raft.PeerId
	for i, server := range cfg.Cluster {
		peers = append(peers, raft.PeerId{Addr: common.ServerAddress(server.RaftAddress), Idx: i})
	}
	return peers
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var filepath, servers, kvServers, groupId string
	var electionTimeout, snapshotInterval int
	flagset.StringVar(&filepath, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&servers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-separated list of raft addresses")
	flagset.StringVar(&kvServers, "kvservers", "localhost:13345,localhost:13346,localhost:13347", "comma-separated list of client-facing addresses")
	flagset.StringVar(&groupId, "group", "default", "raft group id")
	flagset.IntVar(&electionTimeout, "electionTimeout", 1000, "value of election timeout (in milliseconds)")
	flagset.IntVar(&snapshotInterval, "snapshotInterval", 0, "seconds between snapshots, 0 disables them")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	raftAddrs := strings.Split(servers, ",")
	kvAddrs := strings.Split(kvServers, ",")
	if len(raftAddrs) != len(kvAddrs) {
		fmt.Printf("need one kv address per raft address (%d != %d)\n", len(raftAddrs), len(kvAddrs))
		os.Exit(2)
	}
	cfg := config{
		GroupId:          groupId,
		ElectionTimeout:  electionTimeout,
		SnapshotInterval: snapshotInterval,
	}
	for i := range raftAddrs {
		cfg.Cluster = append(cfg.Cluster, serverEntry{
			RaftAddress: raftAddrs[i],
			KVAddress:   kvAddrs[i],
		})
	}

	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := os.WriteFile(filepath, bytes, fs.ModePerm); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func runServer(args []string, bootstrap bool) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	dataDir := flagset.String("data", ".", "directory for log, state and snapshot files")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if *index < 0 || *index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	peers := cfg.peers()
	me := peers[*index]

	manager := rpc.NewManager()
	fileService := rpc.NewFileService()
	if err := raft.GlobalNodeManager.Init(me.Addr, manager, fileService); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	options := raft.Options{
		LogURI:          fmt.Sprintf("bolt://%s/server%d_logstore.db", *dataDir, *index),
		StableURI:       fmt.Sprintf("bolt://%s/server%d_stablestore.db", *dataDir, *index),
		ElectionTimeout: time.Duration(cfg.ElectionTimeout) * time.Millisecond,
		FSM:             kvstore.NewKeyValFSM(),
	}
	if cfg.SnapshotInterval > 0 {
		options.SnapshotURI = fmt.Sprintf("file://%s/server%d_snapshots", *dataDir, *index)
		options.SnapshotInterval = time.Duration(cfg.SnapshotInterval) * time.Second
	}
	if !bootstrap {
		options.InitialConf = peers
	}

	node := raft.NewNode(cfg.GroupId, me)
	if err := node.Init(options); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if bootstrap {
		// Form a single-node cluster; further members join via AddPeer.
		if err := node.SetPeer(nil, []raft.PeerId{me}); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}

	kvServer := kvstore.NewKVServer(node)
	if err := kvServer.Start(common.ServerAddress(cfg.Cluster[*index].KVAddress)); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	fmt.Println("Stopping server ...")
	if err := kvServer.Stop(); err != nil {
		fmt.Println(err)
	}
	done := make(chan error, 1)
	node.Shutdown(common.ClosureFunc(func(err error) { done <- err }))
	if err := <-done; err != nil {
		fmt.Println(err)
	}
	if err := raft.GlobalNodeManager.Stop(); err != nil {
		fmt.Println(err)
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var addrs []common.ServerAddress
	for _, server := range cfg.Cluster {
		addrs = append(addrs, common.ServerAddress(server.KVAddress))
	}
	fmt.Println(client.RunCliClient(addrs))
}

func main() {
	log.SetLevel(log.InfoLevel)
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | bootstrap | client | bench1 | bench2 | bench3 ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		runServer(args[1:], false)
	case "bootstrap":
		runServer(args[1:], true)
	case "client":
		runClient(args[1:])
	case "bench1":
		benchmarks.BenchmarkClientReadWriteThroughput(args[1:])
	case "bench2":
		benchmarks.BenchmarkServerCatchUpTime(args[1:])
	case "bench3":
		benchmarks.BenchmarkParallelClientThroughput(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
