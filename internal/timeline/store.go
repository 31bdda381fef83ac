// Package timeline keeps a Cassandra read model of order status changes,
// projected from the order status topic.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/gocql/gocql"
)

var keyspaceName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

type Entry struct {
	OrderID   string        `json:"order_id"`
	ChangedAt time.Time     `json:"changed_at"`
	EventID   string        `json:"event_id"`
	From      orders.Status `json:"from,omitempty"`
	To        orders.Status `json:"to"`
	ActorID   string        `json:"actor_id"`
	ActorRole orders.Role   `json:"actor_role"`
	Note      string        `json:"note,omitempty"`
}

type Store struct {
	session  *gocql.Session
	keyspace string
}

func NewStore(session *gocql.Session, keyspace string) (*Store, error) {
	if !keyspaceName.MatchString(keyspace) {
		return nil, fmt.Errorf("invalid keyspace name %q", keyspace)
	}
	return &Store{session: session, keyspace: keyspace}, nil
}

// InitSchema creates the keyspace and table if they don't exist.
func (s *Store) InitSchema() error {
	err := s.session.Query(fmt.Sprintf(`
		CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {
			'class': 'SimpleStrategy',
			'replication_factor': 1
		}
	`, s.keyspace)).Exec()
	if err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}

	err = s.session.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.order_timeline (
			order_id   TEXT,
			changed_at TIMESTAMP,
			event_id   TEXT,
			old_status TEXT,
			new_status TEXT,
			actor_id   TEXT,
			actor_role TEXT,
			note       TEXT,
			PRIMARY KEY (order_id, changed_at, event_id)
		) WITH CLUSTERING ORDER BY (changed_at ASC, event_id ASC)
	`, s.keyspace)).Exec()
	if err != nil {
		return fmt.Errorf("create order_timeline table: %w", err)
	}
	return nil
}

// Record writes one entry. Replaying the same event overwrites the same row.
func (s *Store) Record(ctx context.Context, e Entry) error {
	err := s.session.Query(fmt.Sprintf(`
		INSERT INTO %s.order_timeline (order_id, changed_at, event_id, old_status, new_status, actor_id, actor_role, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.keyspace), e.OrderID, e.ChangedAt, e.EventID, string(e.From), string(e.To), e.ActorID, string(e.ActorRole), e.Note).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

// Timeline returns the entries of one order, oldest first.
func (s *Store) Timeline(ctx context.Context, orderID string) ([]Entry, error) {
	iter := s.session.Query(fmt.Sprintf(`
		SELECT order_id, changed_at, event_id, old_status, new_status, actor_id, actor_role, note
		FROM %s.order_timeline
		WHERE order_id = ?
	`, s.keyspace), orderID).WithContext(ctx).Iter()

	out := []Entry{}
	var (
		e              Entry
		from, to, role string
	)
	for iter.Scan(&e.OrderID, &e.ChangedAt, &e.EventID, &from, &to, &e.ActorID, &role, &e.Note) {
		e.From, e.To, e.ActorRole = orders.Status(from), orders.Status(to), orders.Role(role)
		out = append(out, e)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("get order timeline: %w", err)
	}
	return out, nil
}

// Connect retries until Cassandra answers or timeout passes.
func Connect(hosts []string, timeout time.Duration, log *slog.Logger) (*gocql.Session, error) {
	log = logging.OrDiscard(log)
	deadline := time.Now().Add(timeout)

	for {
		cluster := gocql.NewCluster(hosts...)
		cluster.Consistency = gocql.Quorum
		cluster.Timeout = 10 * time.Second
		cluster.ConnectTimeout = 10 * time.Second
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

		session, err := cluster.CreateSession()
		if err == nil {
			if err = session.Query("SELECT now() FROM system.local").Exec(); err == nil {
				log.Info("connected to cassandra", slog.Any("hosts", hosts))
				return session, nil
			}
			session.Close()
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cassandra connection timeout after %v: %w", timeout, err)
		}
		log.Warn("cassandra not ready, retrying in 5s", slog.String("error", err.Error()))
		time.Sleep(5 * time.Second)
	}
}
