// The collabcanvas sync server: the authoritative side of the document
// sync protocol. One hub per document applies the same last-writer-wins
// rule as the clients, assigns the global stream version, persists the op
// log to Postgres and fans accepted batches out to other instances over
// redis.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hubManager opens hubs lazily, one per document, and keeps them for the
// process lifetime.
type hubManager struct {
	ctx        context.Context
	instanceID string
	rdb        *redis.Client
	store      *opStore

	mu   sync.Mutex
	hubs map[string]*hub
}

func newHubManager(ctx context.Context, rdb *redis.Client, store *opStore) *hubManager {
	return &hubManager{
		ctx:        ctx,
		instanceID: uuid.NewString(),
		rdb:        rdb,
		store:      store,
		hubs:       make(map[string]*hub),
	}
}

func (m *hubManager) get(project string) *hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hubs[project]; ok {
		return h
	}

	var versions versionSource
	if m.rdb != nil {
		versions = &redisVersions{rdb: m.rdb, key: "crdt:version:" + project}
	} else {
		versions = &localVersions{}
	}

	h := newHub(m.ctx, project, m.instanceID, versions, m.store, m.rdb)
	if err := h.replay(); err != nil {
		glog.Errorf("hub %s: replay failed, starting empty: %v", project, err)
	}
	m.syncVersionCounter(h)
	if lv, ok := versions.(*localVersions); ok {
		lv.v = h.version
	}

	go h.run()
	go h.subscribeFanout()
	m.hubs[project] = h
	return h
}

// syncVersionCounter raises the shared counter to the replayed log's high
// water mark, so versions keep increasing across restarts even when redis
// state was lost.
func (m *hubManager) syncVersionCounter(h *hub) {
	if m.rdb == nil || h.version == 0 {
		return
	}
	key := "crdt:version:" + h.project
	cur, err := m.rdb.Get(m.ctx, key).Int64()
	if err != nil && err != redis.Nil {
		glog.Warningf("hub %s: read version counter: %v", h.project, err)
		return
	}
	if cur < h.version {
		if err := m.rdb.Set(m.ctx, key, h.version, 0).Err(); err != nil {
			glog.Warningf("hub %s: raise version counter: %v", h.project, err)
		}
	}
}

func serveWs(m *hubManager, w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["projectID"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("upgrade failed for project %s: %v", project, err)
		return
	}

	q := r.URL.Query()
	nodeID := q.Get("node_id")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	userID, _ := strconv.ParseInt(q.Get("user_id"), 10, 64)
	username := q.Get("username")
	if username == "" {
		username = "anonymous"
	}

	h := m.get(project)
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		nodeID:   nodeID,
		userID:   userID,
		username: username,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	listen := flag.String("listen", envOr("LISTEN_ADDR", ":8081"), "http listen address")
	flag.Parse()
	defer glog.Flush()

	ctx := context.Background()

	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		glog.Fatalf("could not connect to redis at %s: %v", redisAddr, err)
	}
	glog.Infof("connected to redis at %s", redisAddr)

	var store *opStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		store, err = newOpStore(ctx, dsn)
		if err != nil {
			glog.Fatalf("could not open op store: %v", err)
		}
		defer store.Close()
		glog.Info("connected to postgres")
	} else {
		glog.Warning("DATABASE_URL not set, running without op-log persistence")
	}

	hubs := newHubManager(ctx, rdb, store)

	r := mux.NewRouter()
	r.HandleFunc("/project/{projectID}/crdt/", func(w http.ResponseWriter, req *http.Request) {
		serveWs(hubs, w, req)
	})

	glog.Infof("collabcanvas sync server listening on %s", *listen)
	glog.Fatal(http.ListenAndServe(*listen, r))
}
