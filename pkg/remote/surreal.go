package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gws"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/surrealdb/surrealshop/internal/logger"
)

// WebSocket transports of the SurrealDB SDK.
const (
	TransportGorilla = "gorilla"
	TransportGWS     = "gws"
)

type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	// Transport is TransportGorilla (the default) or TransportGWS.
	Transport string
}

// ParseTransport validates a transport name; empty means TransportGorilla.
func ParseTransport(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", TransportGorilla:
		return TransportGorilla, nil
	case TransportGWS:
		return TransportGWS, nil
	default:
		return "", fmt.Errorf("unknown surrealdb transport %q", name)
	}
}

// SurrealStore keeps each collection in a SurrealDB table of the same name,
// with the document id as the record id.
type SurrealStore struct {
	db  *surrealdb.DB
	log logger.Logger

	mu     sync.Mutex
	closed bool
}

func NewSurrealStore(ctx context.Context, cfg SurrealConfig, log logger.Logger) (*SurrealStore, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse surrealdb url: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	transport, err := ParseTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	var conn connection.Connection
	if transport == TransportGWS {
		conn = gws.New(conf)
	} else {
		conn = gorillaws.New(conf)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("sign in to surrealdb: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	return &SurrealStore{db: db, log: logger.OrNop(log)}, nil
}

func (s *SurrealStore) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Put replaces the whole record.
func (s *SurrealStore) Put(ctx context.Context, collection, id string, doc Document) error {
	rid := surrealmodels.NewRecordID(collection, id)
	if _, err := surrealdb.Upsert[Document](ctx, s.db, rid, withoutID(doc)); err != nil {
		return fmt.Errorf("upsert %s:%s: %w", collection, id, err)
	}
	return nil
}

func (s *SurrealStore) Get(ctx context.Context, collection, id string) (Document, error) {
	rid := surrealmodels.NewRecordID(collection, id)
	doc, err := surrealdb.Select[Document](ctx, s.db, rid)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select %s:%s: %w", collection, id, err)
	}
	if doc == nil || len(*doc) == 0 {
		return nil, ErrNotFound
	}
	return normalize(*doc), nil
}

func (s *SurrealStore) List(ctx context.Context, collection string) ([]Document, error) {
	res, err := surrealdb.Query[[]Document](ctx, s.db, "SELECT * FROM type::table($tb) ORDER BY id", map[string]any{
		"tb": collection,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	rows := (*res)[0].Result
	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		out = append(out, normalize(row))
	}
	return out, nil
}

// Delete succeeds for records that do not exist.
func (s *SurrealStore) Delete(ctx context.Context, collection, id string) error {
	rid := surrealmodels.NewRecordID(collection, id)
	if _, err := surrealdb.Delete[Document](ctx, s.db, rid); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s:%s: %w", collection, id, err)
	}
	return nil
}

// Watch starts a live query on the collection. Changes for other ids are
// filtered out here rather than in the query.
func (s *SurrealStore) Watch(ctx context.Context, collection, id string) (<-chan Change, func(), error) {
	live, err := surrealdb.Live(ctx, s.db, surrealmodels.Table(collection), false)
	if err != nil {
		return nil, nil, fmt.Errorf("live %s: %w", collection, err)
	}
	liveID := live.String()
	notifications, err := s.db.LiveNotifications(liveID)
	if err != nil {
		_ = surrealdb.Kill(context.Background(), s.db, liveID)
		return nil, nil, fmt.Errorf("live notifications %s: %w", collection, err)
	}

	out := make(chan Change, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				change, ok := toChange(collection, n)
				if !ok || (id != "" && change.ID != id) {
					continue
				}
				select {
				case out <- change:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := surrealdb.Kill(context.Background(), s.db, liveID); err != nil {
				s.log.Debug("kill live query failed", "collection", collection, "error", err)
			}
		})
	}
	return out, stop, nil
}

func (s *SurrealStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close(ctx)
}

// RemoveCollection drops the table backing collection.
func (s *SurrealStore) RemoveCollection(ctx context.Context, collection string) error {
	if collection == "" || strings.Trim(collection, "abcdefghijklmnopqrstuvwxyz_") != "" {
		return fmt.Errorf("remove table %q: invalid table name", collection)
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "REMOVE TABLE IF EXISTS "+collection, nil); err != nil {
		return fmt.Errorf("remove table %s: %w", collection, err)
	}
	return nil
}

func toChange(collection string, n connection.Notification) (Change, bool) {
	record, ok := n.Result.(map[string]any)
	if !ok {
		return Change{}, false
	}
	doc := normalize(record)
	id, _ := doc["id"].(string)
	if id == "" {
		return Change{}, false
	}
	change := Change{Collection: collection, ID: id}
	switch n.Action {
	case connection.CreateAction:
		change.Action = ActionCreate
		change.Doc = doc
	case connection.UpdateAction:
		change.Action = ActionUpdate
		change.Doc = doc
	case connection.DeleteAction:
		change.Action = ActionDelete
	default:
		return Change{}, false
	}
	return change, true
}

// normalize replaces the record id with its plain string key.
func normalize(doc Document) Document {
	switch rid := doc["id"].(type) {
	case surrealmodels.RecordID:
		return withID(doc, fmt.Sprint(rid.ID))
	case *surrealmodels.RecordID:
		if rid != nil {
			return withID(doc, fmt.Sprint(rid.ID))
		}
	}
	return doc
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Expected a single or multiple results but got 0") ||
		strings.Contains(msg, "cannot unmarshal array into Go value")
}
