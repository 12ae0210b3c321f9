// Package probe opens short-lived SQL sessions against database nodes to
// test reachability and read replication status.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"
)

// Status is a probe's liveness verdict.
type Status string

const (
	StatusOnline Status = "online"
	StatusFailed Status = "failed"
)

// Health is the result of ProbeHealth.
type Health struct {
	Status Status
	Detail string
}

// Replication is the result of ProbeReplication.
type Replication struct {
	IORunning  bool
	SQLRunning bool
	LagSeconds int
	GTID       string
}

// Credentials authenticate a probe connection.
type Credentials struct {
	Username string
	Password string
}

// Prober is the interface pkg/reconciler drives the health sweep through,
// letting tests substitute a fake.
type Prober interface {
	ProbeHealth(ctx context.Context, host, port string, creds Credentials) (Health, error)
	ProbeReplication(ctx context.Context, host, port string, creds Credentials) (Replication, error)
}

// MySQLProber is the concrete Prober backed by database/sql and the
// go-sql-driver/mysql driver.
type MySQLProber struct {
	// Timeout bounds every probe's SQL session, defaulting to 3s.
	Timeout time.Duration
}

// NewMySQLProber builds a MySQLProber with the given per-probe timeout.
func NewMySQLProber(timeout time.Duration) *MySQLProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MySQLProber{Timeout: timeout}
}

func dsn(host, port string, creds Credentials) string {
	cfg := mysql.NewConfig()
	cfg.User = creds.Username
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", host, port)
	cfg.Timeout = 3 * time.Second
	return cfg.FormatDSN()
}

// ProbeHealth opens a connection authenticated with the replication-user
// credential and issues SELECT 1. Any dial failure, auth failure, or
// context deadline yields StatusFailed with Detail set from the error.
func (p *MySQLProber) ProbeHealth(ctx context.Context, host, port string, creds Credentials) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	db, err := sql.Open("mysql", dsn(host, port, creds))
	if err != nil {
		return Health{Status: StatusFailed, Detail: err.Error()}, nil
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		klog.InfoS("Probe health failed", "host", host, "port", port, "error", err)
		return Health{Status: StatusFailed, Detail: err.Error()}, nil
	}

	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		klog.InfoS("Probe health failed", "host", host, "port", port, "error", err)
		return Health{Status: StatusFailed, Detail: err.Error()}, nil
	}

	return Health{Status: StatusOnline}, nil
}

// ProbeReplication reads SHOW REPLICA STATUS (falling back to SHOW SLAVE
// STATUS on older servers), and reads SHOW MASTER STATUS only when the
// replica status carries no Executed_Gtid_Set.
func (p *MySQLProber) ProbeReplication(ctx context.Context, host, port string, creds Credentials) (Replication, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	db, err := sql.Open("mysql", dsn(host, port, creds))
	if err != nil {
		return Replication{}, fmt.Errorf("failed to open connection to %s:%s: %w", host, port, err)
	}
	defer db.Close()

	row, err := queryStatusRow(ctx, db, "SHOW REPLICA STATUS")
	if err != nil {
		if isSyntaxError(err) {
			row, err = queryStatusRow(ctx, db, "SHOW SLAVE STATUS")
		}
		if err != nil {
			return Replication{}, fmt.Errorf("failed to read replica status from %s:%s: %w", host, port, err)
		}
	}

	repl := Replication{
		IORunning:  statusIsYes(row, "Replica_IO_Running", "Slave_IO_Running"),
		SQLRunning: statusIsYes(row, "Replica_SQL_Running", "Slave_SQL_Running"),
		LagSeconds: statusInt(row, "Seconds_Behind_Source", "Seconds_Behind_Master"),
		GTID:       statusString(row, "Executed_Gtid_Set"),
	}

	if repl.GTID == "" {
		masterRow, err := queryStatusRow(ctx, db, "SHOW MASTER STATUS")
		if err == nil {
			repl.GTID = statusString(masterRow, "Executed_Gtid_Set")
		}
	}

	return repl, nil
}

// queryStatusRow runs a SHOW ... STATUS statement and scans the single
// returned row into a map keyed by column name. The column set differs
// across MySQL versions and forks, so a fixed struct-scan would break on
// older servers.
func queryStatusRow(ctx context.Context, db *sql.DB, query string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return map[string]string{}, nil
	}

	raw := make([]sql.RawBytes, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(cols))
	for i, col := range cols {
		result[col] = string(raw[i])
	}
	return result, nil
}

func isSyntaxError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1064
	}
	return false
}

func statusIsYes(row map[string]string, keys ...string) bool {
	return strings.EqualFold(statusString(row, keys...), "yes")
}

func statusInt(row map[string]string, keys ...string) int {
	v := statusString(row, keys...)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func statusString(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			return v
		}
	}
	return ""
}
