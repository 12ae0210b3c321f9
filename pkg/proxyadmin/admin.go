// Package proxyadmin is a typed wrapper over ProxySQL's administrative
// SQL interface. It replaces the writer and reader routing groups and
// commits the change to runtime and to disk.
package proxyadmin

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"
)

// Endpoint is one backend MySQL server as the proxy sees it.
type Endpoint struct {
	Host string
	Port string
}

// Admin opens an administrative session against ProxySQL's admin
// interface (typically 127.0.0.1:6032).
type Admin struct {
	db *sql.DB
}

// Open dials ProxySQL's admin port with admin credentials.
func Open(addr, user, password string) (*Admin, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/", user, password, addr)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy admin connection: %w", err)
	}
	return &Admin{db: db}, nil
}

// Close releases the admin connection.
func (a *Admin) Close() error {
	return a.db.Close()
}

var dialect = goqu.Dialect("mysql")

// Initialize sets monitoring credentials, probe intervals, a connection
// cap, and the writer/reader query rules. Run once at startup.
func (a *Admin) Initialize(ctx context.Context, monitorUser, monitorPassword string, writerGroup, readerGroup int) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open proxy admin session: %w", err)
	}
	defer conn.Close()

	variables := map[string]string{
		"mysql-monitor_username":           monitorUser,
		"mysql-monitor_password":           monitorPassword,
		"mysql-monitor_connect_interval":   "2000",
		"mysql-monitor_ping_interval":      "2000",
		"mysql-monitor_read_only_interval": "2000",
		"mysql-max_connections":            "2000",
	}

	for name, value := range variables {
		update, args, err := dialect.Update("global_variables").
			Set(goqu.Record{"variable_value": value}).
			Where(goqu.C("variable_name").Eq(name)).
			ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build global_variables update for %s: %w", name, err)
		}
		if _, err := conn.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("failed to set global variable %s: %w", name, err)
		}
	}

	rules := []goqu.Record{
		{"rule_id": 1, "active": 1, "match_pattern": "^SELECT.*FOR UPDATE", "destination_hostgroup": writerGroup, "apply": 1},
		{"rule_id": 2, "active": 1, "match_pattern": "^SELECT", "destination_hostgroup": readerGroup, "apply": 1},
	}
	for _, rule := range rules {
		insert, args, err := dialect.Insert("mysql_query_rules").Rows(rule).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build query rule insert: %w", err)
		}
		if _, err := conn.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("failed to insert query rule: %w", err)
		}
	}

	if err := commitToRuntimeAndDisk(ctx, conn,
		"LOAD MYSQL VARIABLES TO RUNTIME", "SAVE MYSQL VARIABLES TO DISK",
		"LOAD MYSQL QUERY RULES TO RUNTIME", "SAVE MYSQL QUERY RULES TO DISK"); err != nil {
		return err
	}

	klog.InfoS("Initialized proxy admin", "writerGroup", writerGroup, "readerGroup", readerGroup)
	return nil
}

// PublishEmpty clears both routing groups. Used when no master exists.
func (a *Admin) PublishEmpty(ctx context.Context, writerGroup, readerGroup int) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open proxy admin session: %w", err)
	}
	defer conn.Close()

	del, args, err := dialect.Delete("mysql_servers").
		Where(goqu.C("hostgroup_id").In(writerGroup, readerGroup)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build mysql_servers delete: %w", err)
	}
	if _, err := conn.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("failed to clear mysql_servers: %w", err)
	}

	return commitToRuntimeAndDisk(ctx, conn, "LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK")
}

// PublishRouting replaces the writer group with master and the reader
// group with slaves, in one session: delete-then-insert from the same
// inputs always yields the same table contents, so replaying unchanged
// inputs is idempotent at the level the proxy's clients observe.
func (a *Admin) PublishRouting(ctx context.Context, master Endpoint, slaves []Endpoint, writerGroup, readerGroup int) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open proxy admin session: %w", err)
	}
	defer conn.Close()

	if err := replaceHostgroup(ctx, conn, writerGroup, []Endpoint{master}); err != nil {
		return fmt.Errorf("failed to publish writer hostgroup: %w", err)
	}
	if err := replaceHostgroup(ctx, conn, readerGroup, slaves); err != nil {
		return fmt.Errorf("failed to publish reader hostgroup: %w", err)
	}

	return commitToRuntimeAndDisk(ctx, conn, "LOAD MYSQL SERVERS TO RUNTIME", "SAVE MYSQL SERVERS TO DISK")
}

func replaceHostgroup(ctx context.Context, conn *sql.Conn, hostgroup int, endpoints []Endpoint) error {
	del, args, err := dialect.Delete("mysql_servers").
		Where(goqu.C("hostgroup_id").Eq(hostgroup)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete for hostgroup %d: %w", hostgroup, err)
	}
	if _, err := conn.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("failed to delete hostgroup %d rows: %w", hostgroup, err)
	}

	for _, ep := range endpoints {
		port := resolvePort(ep.Port)

		insert, args, err := dialect.Insert("mysql_servers").
			Cols("hostgroup_id", "hostname", "port").
			Vals(goqu.Vals{hostgroup, ep.Host, port}).
			ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build insert for %s: %w", ep.Host, err)
		}
		if _, err := conn.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("failed to insert server %s into hostgroup %d: %w", ep.Host, hostgroup, err)
		}
	}
	return nil
}

// resolvePort defaults an endpoint's port to 3306 when empty or "0".
func resolvePort(port string) string {
	if port == "" || port == "0" {
		return "3306"
	}
	return port
}

func commitToRuntimeAndDisk(ctx context.Context, conn *sql.Conn, statements ...string) error {
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return nil
}
