package benchmarks

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/kvstore"
	"github.com/raftkit/raftkit/raft"
	"github.com/raftkit/raftkit/rpc"
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

func loadConfig(path string) config {
	bytes, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	var cfg config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if cfg.GroupId == "" {
		cfg.GroupId = "default"
	}
	return cfg
}

func (cfg config) peers() []raft.PeerId {
	var peers []raft.PeerId
	for i, server := range cfg.Cluster {
		peers = append(peers, raft.PeerId{Addr: common.ServerAddress(server.RaftAddress), Idx: i})
	}
	return peers
}

func (cfg config) kvAddrs() []common.ServerAddress {
	var addrs []common.ServerAddress
	for _, server := range cfg.Cluster {
		addrs = append(addrs, common.ServerAddress(server.KVAddress))
	}
	return addrs
}

// runServer starts the raft node at the given index of the config in
// this process, behind its own transport endpoint.
func runServer(cfg config, index int) *raft.Node {
	if index < 0 || index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", index, len(cfg.Cluster))
		os.Exit(2)
	}
	peers := cfg.peers()
	me := peers[index]

	nodeManager := raft.NewNodeManager()
	if err := nodeManager.Init(me.Addr, rpc.NewManager(), rpc.NewFileService()); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	options := raft.Options{
		LogURI:          fmt.Sprintf("bolt://server%d_logstore.db", index),
		StableURI:       fmt.Sprintf("bolt://server%d_stablestore.db", index),
		ElectionTimeout: time.Duration(cfg.ElectionTimeout) * time.Millisecond,
		FSM:             kvstore.NewKeyValFSM(),
		InitialConf:     peers,
	}
	node := raft.NewNodeWithManager(cfg.GroupId, me, nodeManager)
	if err := node.Init(options); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return node
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	store := kvstore.NewKeyValStore(cfg.kvAddrs())
	defer store.Close()

	fmt.Println("Running Performance Check: Client Read Write Throughput")
	start := time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers.\n", numRequests, writeTime, len(cfg.Cluster))

	start = time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		if _, _, err := store.Get(key); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests took %s on %d servers.\n", numRequests, readTime, len(cfg.Cluster))
}

func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)
	store := kvstore.NewKeyValStore(cfg.kvAddrs())
	defer store.Close()

	fmt.Println("Running Performance Check: Server catch up time")
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}

	// The lagging server joins only now and has to replay everything.
	node := runServer(cfg, laggingServerIndex)
	start := time.Now()
	for node.AppliedIndex() < int64(numRequests) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)
	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numRequests, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg := loadConfig(*configFile)

	fmt.Println("Running Performance Check: Parallel Client Throughput")
	reqsPerThread := numRequests / 10
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 10; i++ {
		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			store := kvstore.NewKeyValStore(cfg.kvAddrs())
			defer store.Close()
			for i := index * reqsPerThread; i < (index+1)*reqsPerThread; i++ {
				key := fmt.Sprintf("key%d", i)
				val := fmt.Sprintf("val%d", i)
				if _, err := store.Set(key, val); err != nil {
					fmt.Println(err)
					os.Exit(2)
				}
			}
		}()
	}
	wg.Wait()
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers.\n", numRequests, writeTime, len(cfg.Cluster))
}
