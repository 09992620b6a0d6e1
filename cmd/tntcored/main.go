// Command tntcored runs a single replication node: it loads a config
// file, recovers its journal, and serves the synchro transport for
// peers, the way fc-server/main.go parses flags and dispatches into a
// participant or coordinator role.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/system"
)

var (
	configPath string
	listenAddr string
	peersFlag  string
	selfID     uint
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&configPath, "config", "", "path to a .properties config file (defaults applied if empty)")
	flag.StringVar(&listenAddr, "addr", "127.0.0.1:5700", "address this node listens on for synchro traffic")
	flag.StringVar(&peersFlag, "peers", "", "comma-separated peer_id=host:port pairs, e.g. 2=10.0.0.2:5700,3=10.0.0.3:5700")
	flag.UintVar(&selfID, "id", 1, "this node's peer id")
	flag.Usage = usage
}

func parsePeers(s string) (map[uint32]string, []uint32) {
	addrs := make(map[uint32]string)
	var ids []uint32
	if s == "" {
		return addrs, ids
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		id, err := strconv.ParseUint(kv[0], 10, 32)
		if err != nil {
			continue
		}
		addrs[uint32(id)] = kv[1]
		ids = append(ids, uint32(id))
	}
	return addrs, ids
}

func main() {
	flag.Parse()

	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("loading config %s: %v", configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	cfg.SelfID = uint32(selfID)

	addrs, peerIDs := parsePeers(peersFlag)
	cfg.Peers = peerIDs

	sys, err := system.New(cfg, addrs, listenAddr)
	if err != nil {
		log.Fatalf("starting system: %v", err)
	}
	defer sys.Close()

	fmt.Printf("tntcored: node %d listening on %s, journal at %s\n", cfg.SelfID, listenAddr, cfg.LogDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
