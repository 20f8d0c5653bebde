package main

import (
	"fmt"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
	"github.com/lrhodin/clinicchat/pkg/connector"
)

// session bundles what the chat and history commands need.
type session struct {
	creds  *Credentials
	cfg    *connector.ChatConfig
	log    zerolog.Logger
	db     *dbutil.Database
	cache  *connector.CacheStore
	api    *clinicapi.Client
	tokens *connector.FileTokenSource
}

func openDatabase(cfg connector.DatabaseConfig) (*dbutil.Database, error) {
	uri := cfg.URI
	if uri == "" && cfg.Type == "sqlite3" {
		uri = "file:" + filepath.Join(getConfigDir(), "clinicchat.db") + "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := dbutil.NewWithDialect(uri, cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	return db, nil
}

func openSession(ctx *cli.Context) (*session, error) {
	sess := &session{
		creds: getCredentials(ctx),
		cfg:   getChatConfig(ctx),
	}
	logger, err := sess.cfg.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sess.log = logger.With().Int64("user_id", sess.creds.UserID).Logger()

	if err = mkdirConfigDir(); err != nil {
		return nil, err
	}
	if sess.db, err = openDatabase(sess.cfg.Database); err != nil {
		return nil, err
	}
	sess.cache = connector.NewCacheStore(sess.db, sess.creds.UserID)
	if err = sess.cache.EnsureSchema(ctx.Context); err != nil {
		sess.Close()
		return nil, err
	}

	var tokens clinicapi.TokenSource = clinicapi.StaticToken(sess.creds.AccessToken)
	if !sess.creds.tokenFromEnv {
		sess.tokens, err = connector.NewFileTokenSource(sess.creds.Path, sess.log)
		if err != nil {
			sess.Close()
			return nil, err
		}
		tokens = sess.tokens
	}
	sess.api, err = clinicapi.NewClient(sess.creds.APIURL, tokens, sess.cfg.API.Timeout(), sess.log)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func (s *session) Close() {
	if s.db != nil {
		if err := s.db.RawDB.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
