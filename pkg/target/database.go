package target

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
)

type dbEngine string

const (
	enginePostgres dbEngine = "postgresql"
	engineMySQL    dbEngine = "mysql"
)

// connection is the parsed form of a database target's URL
type connection struct {
	engine   dbEngine
	host     string
	port     string
	user     string
	password string
	database string
}

type databaseTarget struct {
	info   Info
	conn   connection
	runner Runner
	log    logrus.FieldLogger
}

func newDatabaseTarget(source string, metadata map[string]interface{}, opts Options) (*databaseTarget, error) {
	raw := source
	if !strings.Contains(source, "://") {
		// A bare name selects a database on the default server
		var err error
		raw, err = withDatabase(opts.DatabaseURL, source)
		if err != nil {
			return nil, err
		}
	}

	conn, err := parseConnection(raw)
	if err != nil {
		return nil, err
	}

	meta := cloneMetadata(metadata)
	meta["engine"] = string(conn.engine)
	meta["host"] = conn.host

	return &databaseTarget{
		info:   Info{Kind: config.KindDatabase, Source: conn.database, Metadata: meta},
		conn:   conn,
		runner: opts.runner(),
		log: opts.Log.WithFields(logrus.Fields{
			"kind":     config.KindDatabase,
			"database": conn.database,
			"engine":   conn.engine,
		}),
	}, nil
}

func (t *databaseTarget) Info() Info { return t.info }

func withDatabase(base, name string) (string, error) {
	if base == "" {
		return "", config.Errorf("source", "database %q has no connection URL and DATABASE_URL is not set", name)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", config.Errorf("source", "invalid DATABASE_URL: %v", err)
	}
	if name != "" {
		u.Path = "/" + name
	}
	return u.String(), nil
}

func parseConnection(raw string) (connection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return connection{}, config.Errorf("source", "invalid database URL %s: %v", config.RedactURL(raw), err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return parsePostgres(raw)
	case "mysql", "mariadb":
		return parseMySQL(u)
	}
	return connection{}, config.Errorf("source", "unsupported database scheme %q", u.Scheme)
}

// parsePostgres normalises the URL through lib/pq so the dump tools see the
// same parameters the driver would.
func parsePostgres(raw string) (connection, error) {
	dsn, err := pq.ParseURL(raw)
	if err != nil {
		return connection{}, config.Errorf("source", "invalid postgres URL %s: %v", config.RedactURL(raw), err)
	}
	params, err := parseKeyValueDSN(dsn)
	if err != nil {
		return connection{}, config.Errorf("source", "invalid postgres URL %s: %v", config.RedactURL(raw), err)
	}

	conn := connection{
		engine:   enginePostgres,
		host:     params["host"],
		port:     params["port"],
		user:     params["user"],
		password: params["password"],
		database: params["dbname"],
	}
	if conn.host == "" {
		conn.host = "localhost"
	}
	if conn.port == "" {
		conn.port = "5432"
	}
	if conn.database == "" {
		conn.database = "database"
	}
	return conn, nil
}

// parseKeyValueDSN splits the "k=v k='quoted v'" form produced by pq.ParseURL
func parseKeyValueDSN(dsn string) (map[string]string, error) {
	params := map[string]string{}
	s := strings.TrimSpace(dsn)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed parameter near %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value strings.Builder
		if strings.HasPrefix(s, "'") {
			s = s[1:]
			closed := false
			for i := 0; i < len(s); i++ {
				switch s[i] {
				case '\\':
					if i+1 < len(s) {
						i++
						value.WriteByte(s[i])
					}
				case '\'':
					s = s[i+1:]
					closed = true
				default:
					value.WriteByte(s[i])
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %s", key)
			}
		} else {
			end := strings.IndexByte(s, ' ')
			if end < 0 {
				end = len(s)
			}
			value.WriteString(s[:end])
			s = s[end:]
		}
		params[key] = value.String()
		s = strings.TrimSpace(s)
	}
	return params, nil
}

// parseMySQL maps the URL onto a go-sql-driver config
func parseMySQL(u *url.URL) (connection, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.User = u.User.Username()
	cfg.Passwd, _ = u.User.Password()
	cfg.DBName = strings.TrimPrefix(u.Path, "/")

	host, port := u.Hostname(), u.Port()
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "3306"
	}
	cfg.Addr = net.JoinHostPort(host, port)

	if _, err := mysql.ParseDSN(cfg.FormatDSN()); err != nil {
		return connection{}, config.Errorf("source", "invalid mysql URL %s: %v", config.RedactURL(u.String()), err)
	}

	conn := connection{
		engine:   engineMySQL,
		host:     host,
		port:     port,
		user:     cfg.User,
		password: cfg.Passwd,
		database: cfg.DBName,
	}
	if conn.database == "" {
		conn.database = "database"
	}
	return conn, nil
}

func (c connection) dumpCommand() (string, []string, []string) {
	if c.engine == engineMySQL {
		args := []string{
			"-h", c.host,
			"-P", c.port,
			"-u", c.user,
			"--single-transaction",
			"--quick",
			"--triggers",
			"--routines",
			"--events",
			c.database,
		}
		return "mysqldump", args, []string{"MYSQL_PWD=" + c.password}
	}
	args := []string{
		"-h", c.host,
		"-p", c.port,
		"-U", c.user,
		"--clean",
		"--if-exists",
		c.database,
	}
	return "pg_dump", args, []string{"PGPASSWORD=" + c.password}
}

func (c connection) restoreCommand() (string, []string, []string) {
	if c.engine == engineMySQL {
		args := []string{"-h", c.host, "-P", c.port, "-u", c.user, c.database}
		return "mysql", args, []string{"MYSQL_PWD=" + c.password}
	}
	args := []string{
		"-h", c.host,
		"-p", c.port,
		"-U", c.user,
		"-d", c.database,
		"-v", "ON_ERROR_STOP=1",
		"-q",
	}
	return "psql", args, []string{"PGPASSWORD=" + c.password}
}

// CreateBackup runs the engine's dump tool and returns gzip compressed output
func (t *databaseTarget) CreateBackup(ctx context.Context) ([]byte, error) {
	name, args, env := t.conn.dumpCommand()
	t.log.Info("Starting database dump")

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if err := t.runner.Run(ctx, name, args, env, nil, gzWriter); err != nil {
		gzWriter.Close()
		return nil, errors.Wrapf(err, "failed to dump database %s", t.conn.database)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize gzip stream")
	}
	return buf.Bytes(), nil
}

// Restore feeds the dump into psql or mysql. Plain SQL payloads are accepted
// for backups written before compression was added.
func (t *databaseTarget) Restore(ctx context.Context, data []byte, _ RestoreOptions) (RestoreResult, error) {
	var input io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return RestoreResult{}, errors.Wrap(err, "failed to open compressed dump")
		}
		defer zr.Close()
		input = zr
	}

	name, args, env := t.conn.restoreCommand()
	t.log.Warn("Restoring database, existing objects will be replaced")
	if err := t.runner.Run(ctx, name, args, env, input, io.Discard); err != nil {
		return RestoreResult{}, errors.Wrapf(err, "failed to restore database %s", t.conn.database)
	}
	return RestoreResult{
		Success:     true,
		Destination: t.conn.database,
		Message:     fmt.Sprintf("database %s restored with %s", t.conn.database, name),
	}, nil
}
