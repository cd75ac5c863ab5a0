// The collabcanvas agent: a headless document replica. It keeps one
// project synced through the engine, caches the replica in bbolt so a
// restart resumes with an incremental sync, advertises itself over mDNS
// and serves a small status endpoint for LAN tooling.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"

	"collabcanvas/engine"
)

func main() {
	var (
		server   = flag.String("server", "ws://localhost:8081", "sync server base URL")
		project  = flag.String("project", "", "project id to replicate")
		cacheDir = flag.String("cache", "collabcanvas-agent.db", "bbolt snapshot cache path")
		nodeID   = flag.String("node", "", "node id (defaults to a fresh uuid)")
		userID   = flag.Int64("user", 0, "user id")
		username = flag.String("username", "agent", "display name")
		status   = flag.String("status", ":8082", "status endpoint listen address")
		mdns     = flag.Bool("mdns", true, "advertise the agent over mDNS")
	)
	flag.Parse()
	defer glog.Flush()

	if *project == "" {
		fmt.Fprintln(os.Stderr, "usage: agent -project <id> [-server ws://host:port]")
		os.Exit(2)
	}

	cache, err := openSnapshotCache(*cacheDir)
	if err != nil {
		glog.Fatalf("open snapshot cache: %v", err)
	}
	defer cache.Close()

	eng := engine.New(engine.Config{
		URL:      fmt.Sprintf("%s/project/%s/crdt/", *server, *project),
		NodeID:   *nodeID,
		UserID:   *userID,
		Username: *username,
	})

	if snap, err := cache.load(*project); err != nil {
		glog.Warningf("cached snapshot unreadable, starting cold: %v", err)
	} else if snap != nil {
		eng.Bootstrap(snap.Ops, snap.Version)
		glog.Infof("resumed %s from cached version %d (%d registers)",
			*project, snap.Version, len(snap.Ops))
	}

	persist := func(engine.Event) {
		snap := cachedSnapshot{Version: eng.Version(), Ops: eng.SnapshotOps()}
		if err := cache.save(*project, snap); err != nil {
			glog.Errorf("persist snapshot: %v", err)
		} else {
			glog.V(1).Infof("cached %s at version %d", *project, snap.Version)
		}
	}
	eng.On(engine.EventRemoteOps, persist)
	eng.On(engine.EventSnapshot, persist)
	eng.On(engine.EventConnected, func(engine.Event) {
		glog.Infof("connected, syncing %s from version %d", *project, eng.Version())
		eng.RequestSync(-1)
	})
	eng.On(engine.EventDisconnected, func(engine.Event) {
		glog.Warningf("disconnected from %s, engine will keep retrying", *server)
	})

	eng.Connect()

	go serveStatus(*status, *project, eng)
	if *mdns {
		port := statusPort(*status)
		go advertise(*project, port)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	glog.Info("shutting down")
	eng.Disconnect()
	final := cachedSnapshot{Version: eng.Version(), Ops: eng.SnapshotOps()}
	if err := cache.save(*project, final); err != nil {
		glog.Errorf("final snapshot save: %v", err)
	}
}

// serveStatus exposes the replica's position for LAN tooling and health
// checks.
func serveStatus(addr, project string, eng *engine.Engine) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"project":  project,
			"node_id":  eng.NodeID(),
			"version":  eng.Version(),
			"elements": len(eng.Elements()),
			"peers":    len(eng.Peers()),
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		glog.Errorf("status endpoint: %v", err)
	}
}

func statusPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func advertise(project string, port int) {
	host, _ := os.Hostname()
	srv, err := zeroconf.Register(
		fmt.Sprintf("collabcanvas-%s-%s", project, host),
		"_collabcanvas._tcp",
		"local.",
		port,
		[]string{"project=" + project},
		nil,
	)
	if err != nil {
		glog.Warningf("mDNS registration failed: %v", err)
		return
	}
	defer srv.Shutdown()
	glog.Infof("mDNS service registered for project %s on port %d", project, port)
	select {}
}
